package block

import "github.com/btcsuite/btcd/chaincfg/chainhash"

// MerkleRoot computes the root of a full merkle tree over the given leaf
// hashes using the dup-odd-leaf rule. Leaves are in internal byte order.
func MerkleRoot(hashes []chainhash.Hash) chainhash.Hash {
	if len(hashes) == 0 {
		return chainhash.Hash{}
	}
	level := make([]chainhash.Hash, len(hashes))
	copy(level, hashes)
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([]chainhash.Hash, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next = append(next, hashPair(level[i], level[i+1]))
		}
		level = next
	}
	return level[0]
}

// MerkleBranch builds the merkle path for the coinbase slot (leaf index 0)
// from the remaining transaction hashes. Folding the coinbase hash through
// the returned branch with RootFromBranch reproduces the full-tree root.
func MerkleBranch(hashes []chainhash.Hash) []chainhash.Hash {
	tree := make([]chainhash.Hash, len(hashes))
	copy(tree, hashes)
	maskIndex := 1
	for len(tree) > maskIndex {
		if (len(tree)-maskIndex)%2 == 1 {
			tree = append(tree, tree[len(tree)-1])
			continue
		}
		next := make([]chainhash.Hash, 0, maskIndex+(len(tree)-maskIndex)/2)
		next = append(next, tree[:maskIndex]...)
		for i := maskIndex; i < len(tree); i += 2 {
			next = append(next, hashPair(tree[i], tree[i+1]))
		}
		tree = next
		maskIndex++
	}
	return tree
}

// RootFromBranch folds a coinbase hash through a merkle branch.
func RootFromBranch(coinbase chainhash.Hash, branch []chainhash.Hash) chainhash.Hash {
	root := coinbase
	for _, h := range branch {
		root = hashPair(root, h)
	}
	return root
}

func hashPair(a, b chainhash.Hash) chainhash.Hash {
	buf := make([]byte, 0, 2*chainhash.HashSize)
	buf = append(buf, a[:]...)
	buf = append(buf, b[:]...)
	return chainhash.DoubleHashH(buf)
}
