package main

import "fileconverter/cmd"

func main() {
	cmd.Execute()
}
