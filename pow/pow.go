// Package pow mines proof of work nonces for events, as demanded by rate limited servers
package pow

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/bits"
	"runtime"
	"strconv"
	"sync"

	"github.com/nbd-wtf/go-nostr"
	"golang.org/x/sync/errgroup"
)

const (
	nonceTag = "nonce"
	// checkEvery is the number of attempts between context checks
	checkEvery = 1024
)

// Workers is the number of goroutines mining in parallel
var Workers = runtime.NumCPU()

// Difficulty returns the number of leading zero bits of a hex event id
func Difficulty(id string) int {
	b, err := hex.DecodeString(id)
	if err != nil {
		return 0
	}
	count := 0
	for _, x := range b {
		if x == 0 {
			count += 8
			continue
		}
		count += bits.LeadingZeros8(x)
		break
	}
	return count
}

// Mine sets a nonce tag on ev so its id has at least difficulty leading zero bits, and sets the id.
// The event must be signed afterwards.
func Mine(ctx context.Context, ev *nostr.Event, difficulty int) error {
	if difficulty <= 0 {
		ev.ID = ev.GetID()
		return nil
	}
	if difficulty > 256 {
		return fmt.Errorf("difficulty %d out of range", difficulty)
	}

	base := make(nostr.Tags, 0, len(ev.Tags)+1)
	for _, t := range ev.Tags {
		if len(t) > 0 && t[0] == nonceTag {
			continue
		}
		base = append(base, t)
	}

	workers := Workers
	if workers < 1 {
		workers = 1
	}

	mineCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(mineCtx)

	var once sync.Once
	var found *nostr.Event
	target := strconv.Itoa(difficulty)

	for w := 0; w < workers; w++ {
		start := uint64(w)
		g.Go(func() error {
			candidate := *ev
			candidate.Tags = append(append(nostr.Tags{}, base...), nostr.Tag{nonceTag, "", target})
			nonce := candidate.Tags[len(candidate.Tags)-1]

			for n := start; ; n += uint64(workers) {
				if n%checkEvery < uint64(workers) && gctx.Err() != nil {
					return nil
				}
				nonce[1] = strconv.FormatUint(n, 10)
				id := candidate.GetID()
				if Difficulty(id) >= difficulty {
					candidate.ID = id
					once.Do(func() {
						found = &candidate
						cancel()
					})
					return nil
				}
			}
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	if found == nil {
		return ctx.Err()
	}

	ev.Tags = found.Tags
	ev.ID = found.ID
	return nil
}
