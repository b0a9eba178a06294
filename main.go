package main

import "github.com/chatbridge/gateway/cmd"

func main() {
	cmd.Execute()
}
