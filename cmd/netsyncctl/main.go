// Netsyncctl is the CLI client for the netsyncd management bridge.
package main

import "github.com/styly-dev/netsync/cmd/netsyncctl/commands"

func main() {
	commands.Execute()
}
