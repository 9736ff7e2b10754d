// Command archon-discover browses the LAN for Archon controllers
// advertising themselves over mDNS/DNS-SD, for populating a configuration
// file by hand. The core driver never performs discovery itself.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/archonctl/goarchon/internal/discovery"
)

func main() {
	timeout := flag.Duration("timeout", 5*time.Second, "discovery browse timeout")
	flag.Parse()

	fmt.Println("===============================================================")
	fmt.Println(" Archon controller discovery (_archon._tcp.local)")
	fmt.Printf(" Timeout : %s\n", *timeout)
	fmt.Println("---------------------------------------------------------------")

	start := time.Now()
	hosts, err := discovery.Browse(context.Background(), *timeout)
	elapsed := time.Since(start)

	if err != nil {
		fmt.Fprintf(os.Stderr, "discovery error: %v\n", err)
		os.Exit(1)
	}

	if len(hosts) == 0 {
		fmt.Printf("No controllers found (%s)\n", elapsed.Truncate(time.Millisecond))
		return
	}

	fmt.Printf("Discovered %d controller(s) in %s\n", len(hosts), elapsed.Truncate(time.Millisecond))
	fmt.Println("===============================================================")
	for i, h := range hosts {
		endpoint, err := h.Endpoint()
		if err != nil {
			endpoint = "<no usable address>"
		}
		fmt.Printf(" Controller #%d\n", i+1)
		fmt.Printf("   Instance : %s\n", h.Instance)
		fmt.Printf("   Hostname : %s\n", h.Hostname)
		fmt.Printf("   Endpoint : %s\n", endpoint)
		if len(h.TXT) > 0 {
			fmt.Println("   TXT:")
			for _, txt := range h.TXT {
				fmt.Printf("     - %s\n", txt)
			}
		}
		fmt.Println("---------------------------------------------------------------")
	}
}
