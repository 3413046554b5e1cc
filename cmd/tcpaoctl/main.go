// tcpaoctl is an offline operator companion to tcpaoproxy: it validates
// configuration files and previews policy selection without starting a
// proxy process.
package main

import "github.com/asadarafat/tcpao-proxy/cmd/tcpaoctl/commands"

func main() {
	commands.Execute()
}
