package main

import "github.com/andresmejia3/visitwatch/cmd"

func main() {
	cmd.Execute()
}
