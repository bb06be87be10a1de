// Command graphlet runs graphlet orators and components from the command line.
package main

import "github.com/ozanturksever/go-graphlet/cmd/graphlet/cmd"

func main() {
	cmd.Execute()
}
