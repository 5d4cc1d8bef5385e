package main

import "github.com/theirongolddev/telreport/cmd"

func main() {
	cmd.Execute()
}
