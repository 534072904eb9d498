// Copyright 2026 The mk Authors
// SPDX-License-Identifier: Apache-2.0

package nailgun

import (
	"gopkg.in/yaml.v3"

	"github.com/emberbuild/ember/internal/digest"
)

// Fingerprint hashes cfg's canonical YAML encoding so a client can
// detect a running server whose configuration no longer matches its
// own and restart it (§4.9: "a fingerprint of the server's
// configuration is exposed so clients can detect stale servers").
// Reusing digest.Of keeps the fingerprint algorithm identical to every
// other content hash in the engine rather than inventing a second one.
func Fingerprint(cfg any) (string, error) {
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}
	return digest.Of(b).Hex(), nil
}
