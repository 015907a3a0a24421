package main

import "github.com/meetvora1883/slayers/cmd"

func main() {
	cmd.Execute()
}
