package main

import "github.com/khanhnv2901/urlinspect/cmd"

var execCmd = cmd.Execute

func main() {
	execCmd()
}
