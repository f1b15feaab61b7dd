// echoctl is a diagnostic tool for the echo kernel endpoints.
//
//	echoctl tail --config configs/echo.yaml      stream and print decoded frames
//	echoctl invoke /callback '{"x":1}'           issue one outbound request
//	echoctl version                              print build information
//
// Without --config the endpoints come from ECHO_WS_URL and ECHO_API_URL.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "echoctl: %v\n", err)
		os.Exit(1)
	}
}
