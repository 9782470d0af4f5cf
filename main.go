package main

import "PlatesRelay/cmd"

func main() {
	cmd.Execute()
}
