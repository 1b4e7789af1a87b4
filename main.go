package main

import "github.com/drsoft-oss/tunnelgate/cmd"

func main() {
	cmd.Execute()
}
