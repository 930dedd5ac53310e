package main

import "arb/internal/arb"

func main() {
	arb.Main()
}
