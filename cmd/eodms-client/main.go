package main

import "eodms-api-client/cmd/eodms-client/cmd"

func main() {
	cmd.Execute()
}
