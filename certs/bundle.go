package certs

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/sync/errgroup"
)

// Bundle is the PEM material of one issued chain. It is never mutated after ReadBundle returns.
type Bundle struct {
	ServerKeyPEM  []byte
	ServerCertPEM []byte
	CACertPEM     []byte
	ClientKeyPEM  []byte
	ClientCertPEM []byte
}

// ReadBundle reads all issued files concurrently.
func ReadBundle(ctx context.Context, paths *Paths) (*Bundle, error) {
	b := &Bundle{}
	files := []struct {
		path string
		dst  *[]byte
	}{
		{paths.ServerKey, &b.ServerKeyPEM},
		{paths.ServerCert, &b.ServerCertPEM},
		{paths.CACert, &b.CACertPEM},
		{paths.ClientKey, &b.ClientKeyPEM},
		{paths.ClientCert, &b.ClientCertPEM},
	}

	group, groupCtx := errgroup.WithContext(ctx)
	for _, f := range files {
		f := f
		group.Go(func() error {
			if err := groupCtx.Err(); err != nil {
				return err
			}
			data, err := os.ReadFile(f.path)
			if err != nil {
				return fmt.Errorf("reading %q: %w", f.path, err)
			}
			*f.dst = data
			return nil
		})
	}
	err := group.Wait()
	if err != nil {
		return nil, err
	}
	return b, nil
}
