package main

import (
	"fmt"

	"github.com/pion/mediadevices"
	"github.com/spf13/cobra"

	"github.com/mikeyg42/fieldcall/internal/media"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List cameras and microphones",
	Run: func(cmd *cobra.Command, args []string) {
		listDevices()
	},
}

func listDevices() {
	devices := mediadevices.EnumerateDevices()

	fmt.Println("========== CAMERAS ==========")
	cameras := media.Cameras()
	for i, device := range cameras {
		fmt.Printf("%d. %s\n   ID: %s\n", i+1, device.Label, device.DeviceID)
	}
	if len(cameras) == 0 {
		fmt.Println("No cameras found!")
	}

	fmt.Println("\n========== MICROPHONES ==========")
	mics := 0
	for _, device := range devices {
		if device.Kind == mediadevices.AudioInput {
			mics++
			fmt.Printf("%d. %s\n   ID: %s\n", mics, device.Label, device.DeviceID)
		}
	}
	if mics == 0 {
		fmt.Println("No microphones found!")
	}

	fmt.Printf("\nTotal devices: %d\n", len(devices))
}
