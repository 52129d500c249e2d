package main

import (
	"fmt"

	"github.com/eiannone/keyboard"

	"github.com/calendrion/core/internal/blockstore"
	"github.com/calendrion/core/internal/calcore"
	"github.com/calendrion/core/internal/registry"
	"github.com/calendrion/core/internal/signer"
)

// console is a read-only operator console, grounded on the teacher's cliListener: it
// listens for keypresses and prints diagnostics, never mutating state directly.
func console(interrupt chan struct{}, store *blockstore.Store, sign *signer.Signer, reg *registry.Registry) {
	fmt.Println("Press:\nq: to quit\ns: to print block store tip\nn: to print node count\nw: to print signer fingerprint")
	for {
		r, k, err := keyboard.GetSingleKey()
		if err != nil {
			calcore.Log(fmt.Sprintf("console keyboard read: %s", err), 2)
			return
		}
		switch string(r) {
		case "q":
			close(interrupt)
			return
		case "s":
			tip, ok := store.Tip()
			if !ok {
				fmt.Println("block store is empty")
				continue
			}
			fmt.Printf("tip: id=%d type=%s hash=%s\n", tip.ID, tip.Type, tip.Hash)
		case "n":
			fmt.Printf("registered nodes: %d\n", len(reg.All()))
		case "w":
			fmt.Printf("signer fingerprint: %s\n", sign.Fingerprint())
		default:
			if k == 13 {
				continue
			}
			if r != 0 {
				fmt.Println("key " + string(r) + " is not bound")
			}
		}
	}
}
