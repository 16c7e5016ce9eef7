package auth

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

// Cache is the credential cache file: a JSON object keyed by realm. Loading
// never guesses between entries; either the realm is named explicitly or the
// cache must hold exactly one entry.
type Cache struct {
	Path string
}

func (c *Cache) Load(realm string) (Credential, error) {
	data, err := os.ReadFile(c.Path)
	if err != nil {
		return Credential{}, fmt.Errorf("read credential cache: %w", err)
	}

	var entries map[string]Credential
	if err := json.Unmarshal(data, &entries); err != nil {
		return Credential{}, fmt.Errorf("parse credential cache %s: %w", c.Path, err)
	}
	if len(entries) == 0 {
		return Credential{}, fmt.Errorf("credential cache %s is empty", c.Path)
	}

	var cred Credential
	if realm != "" {
		got, ok := entries[realm]
		if !ok {
			return Credential{}, fmt.Errorf("credential cache %s has no entry for realm %q", c.Path, realm)
		}
		cred = got
	} else {
		if len(entries) > 1 {
			realms := make([]string, 0, len(entries))
			for r := range entries {
				realms = append(realms, r)
			}
			sort.Strings(realms)
			return Credential{}, fmt.Errorf("credential cache %s is ambiguous (realms %v); set REALM", c.Path, realms)
		}
		for r, got := range entries {
			cred = got
			if cred.Realm == "" {
				cred.Realm = r
			}
		}
	}

	if err := cred.Validate(); err != nil {
		return Credential{}, fmt.Errorf("credential cache %s: %w", c.Path, err)
	}
	return cred, nil
}

// Save rewrites the whole cache file through a temp file and rename so a
// crash mid-write never exposes a partial pair. Entries for other realms are
// preserved.
func (c *Cache) Save(cred Credential) error {
	entries := map[string]Credential{}
	if data, err := os.ReadFile(c.Path); err == nil {
		// Best effort: an unreadable existing cache is replaced outright.
		_ = json.Unmarshal(data, &entries)
	}
	entries[cred.Realm] = cred

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	tmp := c.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, c.Path)
}
