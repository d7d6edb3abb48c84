// Command meridian serves the Meridian routing, budget and workflow API and
// provides operational subcommands.
package main

func main() {
	Execute()
}
