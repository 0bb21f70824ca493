// Zonectl is the management CLI for the zoned daemon.
package main

import "github.com/network-dmenu/zoned/cmd/zonectl/commands"

func main() {
	commands.Execute()
}
