package microvm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/containernetworking/cni/libcni"
	"github.com/containernetworking/cni/pkg/types"
	types100 "github.com/containernetworking/cni/pkg/types/100"
)

// Networking defaults for the microVM CNI bridge. Networking only exists
// for instances whose capability set grants it; everything else boots
// with no network interface at all.
const (
	// DefaultBridgeName is the Linux bridge device for microVM networking.
	DefaultBridgeName = "wcbr0"

	// DefaultSubnet is the CIDR subnet for microVM IP allocation.
	DefaultSubnet = "10.203.0.0/24"

	// DefaultGateway is the gateway IP address on the bridge.
	DefaultGateway = "10.203.0.1"

	// CNINetworkName is the CNI network name used in the conflist.
	CNINetworkName = "wavecage-net"

	// CNIVersion is the CNI spec version used in the conflist.
	CNIVersion = "1.0.0"

	// CNIIfName is the interface name inside the network namespace.
	CNIIfName = "eth0"

	// CNICacheDir is the directory for CNI result caching.
	CNICacheDir = "/var/lib/cni/cache"

	// NetNSRunDir is the directory for network namespaces.
	NetNSRunDir = "/var/run/netns"

	// NetNSPrefix is the prefix for per-VM namespace names.
	NetNSPrefix = "wavecage-"
)

// Required CNI plugins for microVM networking.
var requiredCNIPlugins = []string{"bridge", "host-local", "tc-redirect-tap"}

// NetworkConfig holds the network configuration returned after CNI setup.
type NetworkConfig struct {
	// TAPDevice is the TAP device created by tc-redirect-tap.
	TAPDevice string

	// GuestIP is the IP address assigned to the guest (CIDR notation).
	GuestIP string

	// GatewayIP is the gateway address for the guest.
	GatewayIP string

	// MACAddress is the MAC address of the guest interface.
	MACAddress string

	// NamespacePath is the full path to the network namespace.
	NamespacePath string
}

// NetworkManager handles CNI-based networking for microVMs.
type NetworkManager struct {
	cniBinDir     string
	cniConfigDir  string
	cniConfig     *libcni.CNIConfig
	confList      *libcni.NetworkConfigList
	confListBytes []byte
	logger        *slog.Logger

	mu         sync.Mutex
	namespaces map[string]string // instanceID → namespace path
}

// NewNetworkManager creates a NetworkManager with the given CNI
// configuration.
func NewNetworkManager(cfg Config, logger *slog.Logger) (*NetworkManager, error) {
	cniConfig := libcni.NewCNIConfigWithCacheDir(
		[]string{cfg.CNIBinDir},
		CNICacheDir,
		nil,
	)

	confBytes, err := generateConfList()
	if err != nil {
		return nil, fmt.Errorf("generate CNI conflist: %w", err)
	}

	confList, err := libcni.ConfListFromBytes(confBytes)
	if err != nil {
		return nil, fmt.Errorf("parse CNI conflist: %w", err)
	}

	return &NetworkManager{
		cniBinDir:     cfg.CNIBinDir,
		cniConfigDir:  cfg.CNIConfigDir,
		cniConfig:     cniConfig,
		confList:      confList,
		confListBytes: confBytes,
		logger:        logger,
		namespaces:    make(map[string]string),
	}, nil
}

// Verify checks that all required CNI plugins exist in the bin directory.
func (nm *NetworkManager) Verify() error {
	var missing []string
	for _, plugin := range requiredCNIPlugins {
		pluginPath := filepath.Join(nm.cniBinDir, plugin)
		_, err := os.Stat(pluginPath)
		if err == nil {
			continue
		}
		if errors.Is(err, os.ErrNotExist) {
			missing = append(missing, plugin)
		} else {
			return fmt.Errorf("stat CNI plugin %s: %w", plugin, err)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing CNI plugins in %s: %s", nm.cniBinDir, strings.Join(missing, ", "))
	}
	return nil
}

// Setup creates a network namespace and configures networking for one
// instance. Returns the TAP device and guest addressing.
func (nm *NetworkManager) Setup(ctx context.Context, instanceID string) (*NetworkConfig, error) {
	nsName := NetNSPrefix + instanceID
	nsPath := filepath.Join(NetNSRunDir, nsName)

	if err := createNetNS(nsName); err != nil {
		return nil, fmt.Errorf("create netns %s: %w", nsName, err)
	}

	nm.mu.Lock()
	nm.namespaces[instanceID] = nsPath
	nm.mu.Unlock()

	rtConf := &libcni.RuntimeConf{
		ContainerID: instanceID,
		NetNS:       nsPath,
		IfName:      CNIIfName,
	}

	result, err := nm.cniConfig.AddNetworkList(ctx, nm.confList, rtConf)
	if err != nil {
		if cleanupErr := deleteNetNS(nsName); cleanupErr != nil {
			nm.logger.Warn("netns cleanup after CNI ADD failure",
				"instance", instanceID, "error", cleanupErr)
		}
		nm.mu.Lock()
		delete(nm.namespaces, instanceID)
		nm.mu.Unlock()
		return nil, fmt.Errorf("CNI ADD for %s: %w", instanceID, err)
	}

	netCfg, err := parseResult(result, nsPath)
	if err != nil {
		if delErr := nm.cniConfig.DelNetworkList(ctx, nm.confList, rtConf); delErr != nil {
			nm.logger.Debug("CNI DEL after parse failure", "instance", instanceID, "error", delErr)
		}
		if nsErr := deleteNetNS(nsName); nsErr != nil {
			nm.logger.Debug("netns cleanup after parse failure", "instance", instanceID, "error", nsErr)
		}
		nm.mu.Lock()
		delete(nm.namespaces, instanceID)
		nm.mu.Unlock()
		return nil, fmt.Errorf("parse CNI result for %s: %w", instanceID, err)
	}

	nm.logger.Debug("network setup complete",
		"instance", instanceID,
		"tap", netCfg.TAPDevice,
		"guest_ip", netCfg.GuestIP,
	)
	return netCfg, nil
}

// Teardown removes networking and the namespace for one instance. Safe to
// call multiple times.
func (nm *NetworkManager) Teardown(ctx context.Context, instanceID string) error {
	nm.mu.Lock()
	nsPath, exists := nm.namespaces[instanceID]
	if !exists {
		nm.mu.Unlock()
		return nil
	}
	delete(nm.namespaces, instanceID)
	nm.mu.Unlock()

	nsName := NetNSPrefix + instanceID
	rtConf := &libcni.RuntimeConf{
		ContainerID: instanceID,
		NetNS:       nsPath,
		IfName:      CNIIfName,
	}

	var firstErr error
	if err := nm.cniConfig.DelNetworkList(ctx, nm.confList, rtConf); err != nil {
		firstErr = fmt.Errorf("CNI DEL for %s: %w", instanceID, err)
		nm.logger.Warn("CNI DEL failed", "instance", instanceID, "error", err)
	}

	if err := deleteNetNS(nsName); err != nil {
		nm.logger.Warn("netns cleanup failed", "instance", instanceID, "error", err)
		if firstErr == nil {
			firstErr = fmt.Errorf("delete netns for %s: %w", instanceID, err)
		}
	}

	return firstErr
}

// TeardownAll cleans up all tracked namespaces during shutdown.
func (nm *NetworkManager) TeardownAll(ctx context.Context) {
	nm.mu.Lock()
	ids := make([]string, 0, len(nm.namespaces))
	for id := range nm.namespaces {
		ids = append(ids, id)
	}
	nm.mu.Unlock()

	for _, id := range ids {
		if err := nm.Teardown(ctx, id); err != nil {
			nm.logger.Error("teardown failed during shutdown", "instance", id, "error", err)
		}
	}
}

type confListJSON struct {
	CNIVersion string           `json:"cniVersion"`
	Name       string           `json:"name"`
	Plugins    []map[string]any `json:"plugins"`
}

// generateConfList returns the CNI conflist JSON for bridge +
// tc-redirect-tap.
func generateConfList() ([]byte, error) {
	confList := confListJSON{
		CNIVersion: CNIVersion,
		Name:       CNINetworkName,
		Plugins: []map[string]any{
			{
				"type":      "bridge",
				"bridge":    DefaultBridgeName,
				"isGateway": true,
				"ipMasq":    true,
				"ipam": map[string]any{
					"type":    "host-local",
					"subnet":  DefaultSubnet,
					"gateway": DefaultGateway,
				},
			},
			{
				"type": "tc-redirect-tap",
			},
		},
	}

	data, err := json.MarshalIndent(confList, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal conflist: %w", err)
	}
	return data, nil
}

// parseResult extracts NetworkConfig from a CNI ADD result.
func parseResult(result types.Result, nsPath string) (*NetworkConfig, error) {
	res, err := types100.NewResultFromResult(result)
	if err != nil {
		return nil, fmt.Errorf("convert CNI result: %w", err)
	}

	netCfg := &NetworkConfig{NamespacePath: nsPath}

	// tc-redirect-tap creates a TAP interface in the namespace alongside
	// the veth (eth0). The TAP is the one Firecracker attaches to.
	for _, iface := range res.Interfaces {
		if iface.Sandbox != "" && iface.Name != CNIIfName {
			netCfg.TAPDevice = iface.Name
			netCfg.MACAddress = iface.Mac
			break
		}
	}
	if netCfg.TAPDevice == "" {
		for _, iface := range res.Interfaces {
			if iface.Sandbox != "" {
				netCfg.TAPDevice = iface.Name
				netCfg.MACAddress = iface.Mac
				break
			}
		}
	}
	if netCfg.TAPDevice == "" {
		return nil, fmt.Errorf("no TAP device in CNI result")
	}

	if len(res.IPs) > 0 {
		netCfg.GuestIP = res.IPs[0].Address.String()
		if res.IPs[0].Gateway != nil {
			netCfg.GatewayIP = res.IPs[0].Gateway.String()
		}
	}
	if netCfg.GuestIP == "" {
		return nil, fmt.Errorf("no IP address in CNI result")
	}

	return netCfg, nil
}

// createNetNS creates a named network namespace using ip netns add.
func createNetNS(name string) error {
	if err := os.MkdirAll(NetNSRunDir, 0o755); err != nil {
		return fmt.Errorf("create netns dir: %w", err)
	}
	cmd := exec.Command("ip", "netns", "add", name)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("ip netns add %s: %s: %w", name, strings.TrimSpace(string(output)), err)
	}
	return nil
}

// deleteNetNS removes a named network namespace. Returns nil if it does
// not exist.
func deleteNetNS(name string) error {
	nsPath := filepath.Join(NetNSRunDir, name)
	if _, err := os.Stat(nsPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat netns %s: %w", name, err)
	}
	cmd := exec.Command("ip", "netns", "delete", name)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("ip netns delete %s: %s: %w", name, strings.TrimSpace(string(output)), err)
	}
	return nil
}
