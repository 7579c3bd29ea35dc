package attention

// PartitionSize is the context span each two-pass partition covers.
const PartitionSize = 512

// MaxPartitions returns how many partitions the longest context in a
// decode batch needs.
func MaxPartitions(maxContextLen int) int {
	return (maxContextLen + PartitionSize - 1) / PartitionSize
}

// UseSinglePass decides between the single-pass and partitioned
// decode kernels. One partition means partitioning buys nothing, and
// a batch with more sequence-head pairs than a partition holds
// already saturates the device; either way the single-pass kernel is
// only usable when the partition span divides evenly into blocks.
func UseSinglePass(numSeqs, numHeads, maxContextLen, blockSize int) bool {
	return (MaxPartitions(maxContextLen) == 1 || numSeqs*numHeads > PartitionSize) &&
		PartitionSize%blockSize == 0
}
