package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/kilianp07/freightd/core/model"
	"github.com/kilianp07/freightd/core/registry"
	"github.com/kilianp07/freightd/infra/logger"
)

var (
	apiURL       string
	customerID   string
	vehicleClass string
	trucks       int
	pickupLat    float64
	pickupLng    float64
	dropLat      float64
	dropLng      float64
	urgent       bool
)

var broadcastCmd = &cobra.Command{
	Use:   "broadcast",
	Short: "Inject a test broadcast into a running daemon",
	RunE:  injectBroadcast,
}

func init() {
	broadcastCmd.Flags().StringVar(&apiURL, "api", "http://localhost:8080", "daemon API base URL")
	broadcastCmd.Flags().StringVar(&customerID, "customer", "test-customer", "customer id")
	broadcastCmd.Flags().StringVar(&vehicleClass, "class", string(model.ClassTruck14ft), "vehicle class")
	broadcastCmd.Flags().IntVar(&trucks, "trucks", 1, "trucks needed")
	broadcastCmd.Flags().Float64Var(&pickupLat, "pickup-lat", 19.0760, "pickup latitude")
	broadcastCmd.Flags().Float64Var(&pickupLng, "pickup-lng", 72.8777, "pickup longitude")
	broadcastCmd.Flags().Float64Var(&dropLat, "drop-lat", 18.5204, "drop latitude")
	broadcastCmd.Flags().Float64Var(&dropLng, "drop-lng", 73.8567, "drop longitude")
	broadcastCmd.Flags().BoolVar(&urgent, "urgent", false, "urgent broadcast")
	rootCmd.AddCommand(broadcastCmd)
}

func injectBroadcast(cmd *cobra.Command, args []string) error {
	logg := logger.New("broadcast-command")
	spec := registry.CreateSpec{
		CustomerID:   customerID,
		Pickup:       model.GeoPoint{Lat: pickupLat, Lng: pickupLng},
		Drop:         model.GeoPoint{Lat: dropLat, Lng: dropLng},
		VehicleClass: model.VehicleClass(vehicleClass),
		TrucksNeeded: trucks,
		Urgent:       urgent,
	}
	body, err := json.Marshal(spec)
	if err != nil {
		return err
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Post(apiURL+"/api/broadcasts", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("post broadcast: %w", err)
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("daemon returned %s: %s", resp.Status, out)
	}
	logg.Infof("broadcast created: %s", out)
	return nil
}
