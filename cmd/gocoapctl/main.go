// gocoapctl is the command-line client for gocoapd and other CoAP servers.
package main

import "github.com/dantte-lp/gocoap/cmd/gocoapctl/commands"

func main() {
	commands.Execute()
}
