package bootstrap

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/morezero/peer-broker/pkg/model"
)

const logPrefix = "bootstrap:loader"

// LoadDirectory loads the directory from file paths or environment.
// It tries paths in order: first any paths passed in, then PEERBROKER_DIRECTORY_FILE env, then defaults.
// So an explicit path (e.g. from "seed my.json") is tried before the env var.
// Files are merged over the default directory.
func LoadDirectory(paths ...string) (*Directory, error) {
	all := make([]string, 0, len(paths)+3)
	for _, p := range paths {
		if p != "" {
			all = append(all, p)
		}
	}
	if envPath := os.Getenv("PEERBROKER_DIRECTORY_FILE"); envPath != "" {
		all = append(all, envPath)
	}
	all = append(all, "config/directory.json", "directory.json")

	for _, p := range all {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}

		var dir Directory
		if err := json.Unmarshal(data, &dir); err != nil {
			slog.Warn(fmt.Sprintf("%s - Failed to parse directory file %s: %v", logPrefix, p, err))
			continue
		}
		if err := dir.Validate(); err != nil {
			return nil, fmt.Errorf("%s - %s: %w", logPrefix, p, err)
		}

		slog.Info(fmt.Sprintf("%s - Loaded directory from %s (%d peers, %d collectives)", logPrefix, p, len(dir.Peers), len(dir.Collectives)))
		return MergeDirectories(GetDefaultDirectory(), &dir), nil
	}

	slog.Info(fmt.Sprintf("%s - Using default directory", logPrefix))
	return GetDefaultDirectory(), nil
}

// GetDefaultDirectory returns the built-in directory: no peers, and documentation for
// the control and auth messages the broker itself exchanges.
func GetDefaultDirectory() *Directory {
	return &Directory{
		Name:        "peerbroker-directory",
		Version:     "1.0.0",
		Description: "Default peer directory",
		Peers:       map[string]PeerEntry{},
		Collectives: map[string]CollectiveEntry{},
		Aliases:     map[string]string{},
		MessageInfo: []MessageInfoEntry{
			{Type: model.TypeControl, Subtype: model.SubtypeAck, Purpose: "An adapter delivered the referenced message"},
			{Type: model.TypeControl, Subtype: model.SubtypeError, Purpose: "An adapter failed to deliver the referenced message"},
			{Type: model.TypeControl, Subtype: model.SubtypeCommunicationError, Purpose: "A channel or collective member of the referenced message was unreachable"},
			{Type: model.TypeControl, Subtype: model.SubtypeTimeout, Purpose: "The referenced message was not delivered in time"},
			{
				Type:             model.TypeAuth,
				Subtype:          model.SubtypeRequest,
				Purpose:          "A peer asks to be authenticated",
				ValidAnswer:      "REPLY or FAILED",
				ValidAnswerTypes: []string{model.TypeAuth},
			},
			{Type: model.TypeAuth, Subtype: model.SubtypeReply, Purpose: "Authentication granted", Dependencies: []string{"AUTH/REQUEST"}},
			{Type: model.TypeAuth, Subtype: model.SubtypeFailed, Purpose: "Authentication refused", Dependencies: []string{"AUTH/REQUEST"}},
		},
	}
}

// MergeDirectories merges an override directory into a copy of base. Peers, collectives
// and aliases are replaced by key; message info by type and subtype.
func MergeDirectories(base, override *Directory) *Directory {
	merged := *base
	merged.Peers = make(map[string]PeerEntry, len(base.Peers)+len(override.Peers))
	merged.Collectives = make(map[string]CollectiveEntry, len(base.Collectives)+len(override.Collectives))
	merged.Aliases = make(map[string]string, len(base.Aliases)+len(override.Aliases))

	for id, p := range base.Peers {
		merged.Peers[id] = p
	}
	for id, p := range override.Peers {
		merged.Peers[id] = p
	}
	for id, c := range base.Collectives {
		merged.Collectives[id] = c
	}
	for id, c := range override.Collectives {
		merged.Collectives[id] = c
	}
	for alias, target := range base.Aliases {
		merged.Aliases[alias] = target
	}
	for alias, target := range override.Aliases {
		merged.Aliases[alias] = target
	}

	merged.MessageInfo = append([]MessageInfoEntry(nil), base.MessageInfo...)
	for _, info := range override.MessageInfo {
		replaced := false
		for i, existing := range merged.MessageInfo {
			if existing.Type == info.Type && existing.Subtype == info.Subtype {
				merged.MessageInfo[i] = info
				replaced = true
				break
			}
		}
		if !replaced {
			merged.MessageInfo = append(merged.MessageInfo, info)
		}
	}

	if override.Name != "" {
		merged.Name = override.Name
	}
	if override.Version != "" {
		merged.Version = override.Version
	}
	if override.Description != "" {
		merged.Description = override.Description
	}
	return &merged
}

// Validate checks delivery policy kinds and required fields.
func (d *Directory) Validate() error {
	for id, p := range d.Peers {
		if id == "" {
			return fmt.Errorf("peer with empty id")
		}
		switch model.PeerDeliveryPolicy(p.DeliveryPolicy) {
		case "", model.PeerPreferred, model.PeerAtLeastOne, model.PeerToAllChannels:
		default:
			return fmt.Errorf("peer %q: unknown delivery policy %q", id, p.DeliveryPolicy)
		}
		for i, a := range p.Addresses {
			if a.Adapter == "" {
				return fmt.Errorf("peer %q: address %d has no adapter", id, i)
			}
		}
	}
	for id, c := range d.Collectives {
		if id == "" {
			return fmt.Errorf("collective with empty id")
		}
		switch model.CollectiveDeliveryPolicy(c.DeliveryPolicy) {
		case "", model.CollectiveToAny, model.CollectiveToAllMembers:
		default:
			return fmt.Errorf("collective %q: unknown delivery policy %q", id, c.DeliveryPolicy)
		}
	}
	for alias, target := range d.Aliases {
		if _, ok := d.Peers[target]; !ok {
			return fmt.Errorf("alias %q points to unknown peer %q", alias, target)
		}
	}
	for _, info := range d.MessageInfo {
		if info.Type == "" {
			return fmt.Errorf("message info without type")
		}
	}
	return nil
}
