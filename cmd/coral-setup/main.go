package main

import "github.com/oshokin/coral-setup/cmd/coral-setup/cmd"

func main() {
	cmd.Execute()
}
