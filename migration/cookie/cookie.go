// Copyright contributors to the Virtual Machine Manager for Go project
//
// SPDX-License-Identifier: Apache-2.0
//

// Package cookie implements the migration cookie codec (component C6):
// an XML side-channel document exchanged alongside the monitor
// protocol's own migration stream, carrying host/guest identity,
// graphics reconnection info, per-NIC port data, NBD listening
// parameters and job statistics between the two daemons taking part in
// a migration. Grounded on libvirt's qemuMigrationCookie struct family.
package cookie

import (
	"encoding/xml"
	"fmt"

	"github.com/google/uuid"
)

// Flag enumerates the optional cookie sections, mirroring
// qemuMigrationCookieFlag.
type Flag uint

const (
	FlagGraphics Flag = 1 << iota
	FlagLockState
	FlagPersistent
	FlagNetwork
	FlagNBD
	FlagStats
)

// Graphics carries the destination's display reconnection info.
type Graphics struct {
	Type       string `xml:"type,attr"`
	Port       int    `xml:"port,attr"`
	TLSPort    int    `xml:"tlsPort,attr,omitempty"`
	Listen     string `xml:"listen,attr,omitempty"`
	TLSSubject string `xml:"tlsSubject,attr,omitempty"`
}

// NetDatum carries one NIC's opaque port-profile data across the move,
// e.g. an 802.1Qbg/Qbh association that must be re-established on the
// destination host.
type NetDatum struct {
	VPortType string `xml:"vporttype,attr,omitempty"`
	PortData  string `xml:",chardata"`
}

// NBDDisk describes one disk the NBD mirror sub-protocol is tracking.
type NBDDisk struct {
	Target   string `xml:"target,attr"`
	Capacity uint64 `xml:"capacity,attr"`
}

// NBD carries the destination's NBD server listening port and the set
// of disks it is prepared to receive mirror writes for.
type NBD struct {
	Port  int       `xml:"port,attr"`
	Disks []NBDDisk `xml:"disk"`
}

// JobStats is the optional job-statistics section, populated from the
// source's job.Stats at cookie-encode time.
type JobStats struct {
	Status         string `xml:"status"`
	TimeElapsedMs  int64  `xml:"timeElapsed,omitempty"`
	DataTotalMB    int64  `xml:"dataTotal,omitempty"`
	DataProcessedMB int64 `xml:"dataProcessed,omitempty"`
	DataRemainingMB int64 `xml:"dataRemaining,omitempty"`
}

// Cookie is the full document, spec §4.6 "Migration cookie". Only
// sections named by Flags are expected to be populated; FlagsMandatory
// is the subset the receiving side must understand and act on, or else
// reject the cookie outright (spec's "mandatory vs optional" rule).
type Cookie struct {
	XMLName xml.Name `xml:"qemu-migration"`

	Flags          Flag `xml:"-"`
	FlagsMandatory Flag `xml:"-"`

	LocalHostUUID   uuid.UUID `xml:"local-hostname-uuid,omitempty"`
	RemoteHostUUID  uuid.UUID `xml:"remote-hostname-uuid,omitempty"`
	LocalHostname   string    `xml:"local-hostname,omitempty"`
	RemoteHostname  string    `xml:"remote-hostname,omitempty"`

	DomainUUID uuid.UUID `xml:"uuid"`
	DomainName string    `xml:"name"`

	LockState  string `xml:"lockstate>state,omitempty"`
	LockDriver string `xml:"lockstate>driver,omitempty"`

	Graphics *Graphics  `xml:"graphics,omitempty"`
	Network  []NetDatum `xml:"network>interface,omitempty"`
	NBD      *NBD       `xml:"nbd,omitempty"`
	Stats    *JobStats  `xml:"statistics,omitempty"`

	// PersistentXML carries the destination-bound domain definition
	// verbatim when FlagPersistent is set, as the inner XML of the
	// cookie's <domain> element; this package does not parse it,
	// matching the original's practice of re-using the domain's own XML
	// parser rather than a second bespoke one here.
	PersistentXML string `xml:"-"`
}

// rawXML holds an element's inner XML unparsed.
type rawXML struct {
	Inner string `xml:",innerxml"`
}

// flagXML is the wire encoding of which optional sections are present
// and which of those are mandatory, serialized as a dedicated element
// since Go's encoding/xml has no direct bitmask primitive.
type flagXML struct {
	Flags          []string `xml:"flag"`
	FlagsMandatory []string `xml:"flagMandatory"`
}

var flagNames = map[Flag]string{
	FlagGraphics:   "graphics",
	FlagLockState:  "lockstate",
	FlagPersistent: "persistent",
	FlagNetwork:    "network",
	FlagNBD:        "nbd",
	FlagStats:      "statistics",
}

func flagsToNames(f Flag) []string {
	var out []string
	for bit, name := range flagNames {
		if f&bit != 0 {
			out = append(out, name)
		}
	}
	return out
}

func namesToFlags(names []string) Flag {
	byName := map[string]Flag{}
	for bit, name := range flagNames {
		byName[name] = bit
	}
	var f Flag
	for _, n := range names {
		f |= byName[n]
	}
	return f
}

// wireCookie is Cookie plus its flags section, the actual type
// marshalled to/from XML; Cookie itself keeps Flags/FlagsMandatory out
// of its own xml tags so callers can set them without reasoning about
// the wire shape.
type wireCookie struct {
	Cookie
	Flag   flagXML `xml:"flags"`
	Domain *rawXML `xml:"domain,omitempty"`
}

// Encode serializes c to its XML wire form.
func Encode(c *Cookie) ([]byte, error) {
	if c == nil {
		return nil, fmt.Errorf("internal-error: nil migration cookie")
	}
	w := wireCookie{
		Cookie: *c,
		Flag: flagXML{
			Flags:          flagsToNames(c.Flags),
			FlagsMandatory: flagsToNames(c.FlagsMandatory),
		},
	}
	if c.PersistentXML != "" {
		w.Domain = &rawXML{Inner: c.PersistentXML}
	}
	out, err := xml.MarshalIndent(&w, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("operation-failed: encoding migration cookie: %w", err)
	}
	return out, nil
}

// Decode parses raw into a Cookie, then enforces the mandatory-feature
// rule: any flag present in FlagsMandatory whose corresponding section
// in the decoded document is absent is a hard failure, since the
// sending side has declared itself unable to proceed without the
// receiver understanding that feature.
func Decode(raw []byte) (*Cookie, error) {
	var w wireCookie
	if err := xml.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("operation-failed: decoding migration cookie: %w", err)
	}
	w.Cookie.Flags = namesToFlags(w.Flag.Flags)
	w.Cookie.FlagsMandatory = namesToFlags(w.Flag.FlagsMandatory)
	if w.Domain != nil {
		w.Cookie.PersistentXML = w.Domain.Inner
	}

	if err := checkMandatory(&w.Cookie); err != nil {
		return nil, err
	}
	return &w.Cookie, nil
}

// CheckNotLocalHost enforces the invariant that a destination never
// accepts a cookie whose remote-host identity is this host's own: the
// source always seeds the cookie with its own uuid and hostname as the
// "remote" fields from the destination's point of view, so a match here
// means the caller asked to migrate to itself.
func CheckNotLocalHost(c *Cookie, localHostname string, localHostUUID uuid.UUID) error {
	uuidMatches := localHostUUID != uuid.Nil && c.RemoteHostUUID == localHostUUID
	if c.RemoteHostname == localHostname || uuidMatches {
		return fmt.Errorf("internal-error: Attempt to migrate guest to the same host %s", localHostname)
	}
	return nil
}

func checkMandatory(c *Cookie) error {
	if c.FlagsMandatory&FlagGraphics != 0 && c.Graphics == nil {
		return fmt.Errorf("operation-failed: mandatory graphics cookie section missing")
	}
	if c.FlagsMandatory&FlagLockState != 0 && c.LockState == "" && c.LockDriver == "" {
		return fmt.Errorf("operation-failed: mandatory lockstate cookie section missing")
	}
	if c.FlagsMandatory&FlagPersistent != 0 && c.PersistentXML == "" {
		return fmt.Errorf("operation-failed: mandatory persistent cookie section missing")
	}
	if c.FlagsMandatory&FlagNetwork != 0 && len(c.Network) == 0 {
		return fmt.Errorf("operation-failed: mandatory network cookie section missing")
	}
	if c.FlagsMandatory&FlagNBD != 0 && c.NBD == nil {
		return fmt.Errorf("operation-failed: mandatory nbd cookie section missing")
	}
	if c.FlagsMandatory&FlagStats != 0 && c.Stats == nil {
		return fmt.Errorf("operation-failed: mandatory statistics cookie section missing")
	}
	return nil
}
