package ml

// Memory identifies the tier a tensor is resident in. The reference
// backend keeps both tiers in process memory, but the distinction is
// load bearing: forward passes only accept DeviceMemory tensors and
// SwapBlocks moves block contents between tiers.
type Memory int

const (
	DeviceMemory Memory = iota
	HostMemory
)

func (m Memory) String() string {
	switch m {
	case DeviceMemory:
		return "device"
	case HostMemory:
		return "host"
	default:
		return "unknown"
	}
}
