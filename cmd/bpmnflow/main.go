// Command bpmnflow is a runnable demo of the engine: load a YAML workflow
// definition, start an instance, and drive it interactively (completing
// user tasks, publishing messages, cancelling) from the terminal while
// streaming its events. It replaces its generic graph demos with
// one exercising the BPMN-domain control surface directly.
package main

import "os"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
