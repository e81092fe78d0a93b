// Command dispatch-engine is the master/minion dispatch engine CLI.
package main

import "yqhp/dispatch-engine/cmd"

func main() {
	cmd.Execute()
}
