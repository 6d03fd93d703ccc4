// Package main provides a one-shot utility for owner grant key generation.
//
// It emits the EdDSA keypair used to verify owner grants at spoke
// registration, and can mint a grant for a (hub, spoke, owner) binding.
package main

import (
	"flag"
	"os"
	"time"

	"github.com/vaultmesh/vaultmesh/internal/platform/config"
	"github.com/vaultmesh/vaultmesh/internal/tools/grantkey"
)

func main() {
	var opts grantkey.Options
	flag.StringVar(&opts.Issuer, "issuer", "vaultmesh", "Grant issuer")
	flag.StringVar(&opts.Audience, "audience", "vaultmesh-relay", "Grant audience")
	flag.StringVar(&opts.Hub, "hub", "", "Hub vault as domain/vault")
	flag.StringVar(&opts.Spoke, "spoke", "", "Spoke vault as domain/vault")
	flag.StringVar(&opts.Owner, "owner", "", "Owner identity the grant attests")
	flag.DurationVar(&opts.TTL, "ttl", 15*time.Minute, "Grant lifetime")
	flag.Parse()

	if err := grantkey.Run(os.Stdout, nil, opts); err != nil {
		config.Exitf("generate owner grant key: %v", err)
	}
}
