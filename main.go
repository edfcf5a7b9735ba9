package main

import "github.com/andresmejia3/livekyc/cmd"

func main() {
	cmd.Execute()
}
