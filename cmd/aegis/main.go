// Command aegis is the policy decision engine CLI and server.
package main

import "github.com/aegisflow/aegis/cmd/aegis/cmd"

func main() {
	cmd.Execute()
}
