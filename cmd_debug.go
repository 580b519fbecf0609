//go:build debugrequests

package main

import (
	"github.com/spf13/cobra"

	"peerdesk/host"
)

var debugRequestPermissions []string

func init() {
	runCmd.Flags().StringSliceVar(&debugRequestPermissions, "debug-request", nil,
		"Queue a fabricated connection request with these permissions at startup")
	startHooks = append(startHooks, fabricateDebugRequest)
}

func fabricateDebugRequest(cmd *cobra.Command, h *host.Host) error {
	if len(debugRequestPermissions) == 0 {
		return nil
	}
	requestID, err := h.FabricateRequest("debug-device", "Debug Device", debugRequestPermissions, "fabricated for testing")
	if err != nil {
		return err
	}
	cmd.Printf("Debug Request:   %s\n", requestID)
	return nil
}
