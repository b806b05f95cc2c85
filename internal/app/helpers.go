package app

import (
	"log"
	"strings"
)

// NormalizeLocalShell keeps the shell bound to localhost and returns the
// listen address and the URL to print.
func NormalizeLocalShell(cfgAddr string) (listenAddr string, url string) {
	a := strings.TrimSpace(cfgAddr)

	if strings.HasPrefix(a, ":") {
		a = "127.0.0.1" + a
	}
	if strings.HasPrefix(a, "0.0.0.0:") {
		a = "127.0.0.1:" + strings.TrimPrefix(a, "0.0.0.0:")
	}

	return a, "http://" + a
}

func logBanner(peerDir, cfgPath string) {
	log.Println("────────────────────────────────────────")
	log.Println("pausesync participant")
	log.Printf(" Peer folder : %s", peerDir)
	log.Printf(" Config file : %s", cfgPath)
	log.Println("")
	log.Println(" This process is ONE participant in the session.")
	log.Println(" Different folder/config = different participant.")
	log.Println("────────────────────────────────────────")
}
