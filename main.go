package main

import "github.com/saltflake/modfetch/cmd"

func main() {
	cmd.Execute()
}
