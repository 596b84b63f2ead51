package abe

import (
	"errors"
	"fmt"

	"github.com/hashicorp/vault/shamir"
)

// SplitMasterKey splits a serialized master key into shares for offline
// escrow. Any threshold-sized subset of the shares reconstructs the
// key; fewer reveal nothing. The caller distributes the shares and
// erases the original.
func SplitMasterKey(masterKey *MasterKey, shares, threshold int) ([][]byte, error) {
	if threshold < 2 {
		return nil, errors.New("abe: threshold must be at least 2")
	}
	if shares < threshold {
		return nil, errors.New("abe: total shares must be at least equal to threshold")
	}

	serialized, err := masterKey.MarshalBinary()
	if err != nil {
		return nil, err
	}

	parts, err := shamir.Split(serialized, shares, threshold)
	if err != nil {
		return nil, fmt.Errorf("abe: failed to split master key: %w", err)
	}
	return parts, nil
}

// CombineMasterKey reconstructs a master key from escrowed shares. The
// share count must meet the threshold chosen at split time.
func CombineMasterKey(shares [][]byte) (*MasterKey, error) {
	serialized, err := shamir.Combine(shares)
	if err != nil {
		return nil, fmt.Errorf("abe: failed to combine shares: %w", err)
	}

	masterKey := new(MasterKey)
	if err := masterKey.UnmarshalBinary(serialized); err != nil {
		return nil, err
	}
	return masterKey, nil
}
