// Copyright 2017 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package dtc implements the Data-Transfer Card: the variant that
// aggregates detector sub-event fragments from up to six ROC links and
// delivers them to host memory via DMA, per spec §1. Everything
// card-agnostic lives in devices/carddev; this package adds the
// DTC-specific surface: per-ROC-link enable/status aggregation across all
// six links at once.
package dtc

import (
	"github.com/Mu2e/mu2e-pcie-utils-sub000/conn/dcs"
	"github.com/Mu2e/mu2e-pcie-utils-sub000/conn/dtcreg"
	"github.com/Mu2e/mu2e-pcie-utils-sub000/devices/carddev"
	"github.com/Mu2e/mu2e-pcie-utils-sub000/devices/cardreg"
)

// rocLinks enumerates the six ROC links a DTC fans in from.
var rocLinks = [6]cardreg.LinkID{
	cardreg.LinkROC0, cardreg.LinkROC1, cardreg.LinkROC2,
	cardreg.LinkROC3, cardreg.LinkROC4, cardreg.LinkROC5,
}

// DTC owns a Card plus the ROC-link aggregation unique to the
// Data-Transfer Card.
type DTC struct {
	*carddev.Card
}

// New wires io (typically a *host/chardev.Handle) and daq into a DTC,
// performing the firmware-version handshake against
// expectedDesignVersion. Pass 0 to skip the handshake (e.g. against a
// fake in tests).
func New(uid string, io interface {
	dtcreg.RawIO
	dcs.Locker
	DriverVersion() (string, error)
}, daq carddev.DAQEndpoint, expectedDesignVersion uint32) (*DTC, error) {
	card, err := carddev.NewCard(uid, io, daq, expectedDesignVersion)
	if err != nil {
		return nil, err
	}
	return &DTC{Card: card}, nil
}

// rocLinksMask covers the six ROC link bits, leaving CFO and EVB alone.
const rocLinksMask uint32 = 0x3F

// EnableAllROCLinks enables all six ROC links in one register write.
func (d *DTC) EnableAllROCLinks() error {
	v, err := d.Gateway.Read(cardreg.LinkEnable)
	if err != nil {
		return err
	}
	return d.WriteChecked(cardreg.LinkEnable, v|rocLinksMask)
}

// DisableAllROCLinks disables all six ROC links in one register write.
func (d *DTC) DisableAllROCLinks() error {
	v, err := d.Gateway.Read(cardreg.LinkEnable)
	if err != nil {
		return err
	}
	return d.WriteChecked(cardreg.LinkEnable, v&^rocLinksMask)
}

// LinkStatus reports, for each of the six ROC links, whether it is
// currently enabled and whether its reset has completed.
type LinkStatus struct {
	ID        cardreg.LinkID
	Enabled   bool
	ResetDone bool
}

// AllLinkStatus reads the Link Enable and SERDES Reset-Done registers
// once and reports per-link status for all six ROC links, avoiding a
// round trip per link.
func (d *DTC) AllLinkStatus() ([6]LinkStatus, error) {
	var out [6]LinkStatus
	enabled, err := d.Gateway.Read(cardreg.LinkEnable)
	if err != nil {
		return out, err
	}
	done, err := d.Gateway.Read(cardreg.SERDESResetDone)
	if err != nil {
		return out, err
	}
	for i, id := range rocLinks {
		out[i] = LinkStatus{
			ID:        id,
			Enabled:   enabled&id.Mask() != 0,
			ResetDone: done&id.Mask() != 0,
		}
	}
	return out, nil
}

// ResetAllROCLinks runs the broadcast reset-and-wait sequence for all six
// ROC links (spec §4.4's broadcast variant).
func (d *DTC) ResetAllROCLinks() error {
	return d.ResetAllLinks()
}
