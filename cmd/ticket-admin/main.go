package main

import (
	"context"
	"crypto/ecdsa"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/urfave/cli/v2"

	"github.com/idvault/ticket-service-backend/abe"
	"github.com/idvault/ticket-service-backend/attributes"
	"github.com/idvault/ticket-service-backend/common"
	"github.com/idvault/ticket-service-backend/interfaces"
	"github.com/idvault/ticket-service-backend/recordstore"
)

var flagKeyFile *cli.StringFlag = &cli.StringFlag{
	Name:     "key-file",
	Required: true,
	Usage:    "Path to the identity's hex-encoded secp256k1 key file",
}
var flagRecordStore *cli.StringFlag = &cli.StringFlag{
	Name:  "record-store",
	Value: "memory://",
	Usage: "Record store URI holding the identity's zone",
}
var flagShareDir *cli.StringFlag = &cli.StringFlag{
	Name:  "share-dir",
	Value: ".",
	Usage: "Directory to read or write recovery share files",
}
var flagShareTotal *cli.IntFlag = &cli.IntFlag{
	Name:  "total-shares",
	Value: 5,
	Usage: "Number of recovery shares to generate",
}
var flagShareThreshold *cli.IntFlag = &cli.IntFlag{
	Name:  "threshold",
	Value: 3,
	Usage: "Number of shares needed to recover the master key",
}
var flagForce *cli.BoolFlag = &cli.BoolFlag{
	Name:  "force",
	Value: false,
	Usage: "Replace an existing master key, orphaning all of its ciphertexts",
}

type adminEnv struct {
	key       *ecdsa.PrivateKey
	bootstrap *attributes.Bootstrap
}

func loadEnv(cCtx *cli.Context) (*adminEnv, error) {
	raw, err := os.ReadFile(cCtx.String(flagKeyFile.Name))
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	key, err := ethcrypto.HexToECDSA(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("failed to parse key file: %w", err)
	}

	loc, err := interfaces.NewStoreLocation(cCtx.String(flagRecordStore.Name))
	if err != nil {
		return nil, err
	}
	logger := common.SetupLogger(&common.LoggingOpts{Service: "ticket-admin", Version: common.Version})
	store, err := recordstore.NewFactory(logger).RecordStoreFor(loc)
	if err != nil {
		return nil, err
	}

	return &adminEnv{
		key:       key,
		bootstrap: attributes.NewBootstrap(store, logger),
	}, nil
}

func main() {
	app := &cli.App{
		Name:  "ticket-admin",
		Usage: "Identity and master key administration",
		Commands: []*cli.Command{
			{
				Name:        "generate-identity",
				Usage:       "Generate a new identity key file",
				Description: "Writes a fresh hex-encoded secp256k1 key and prints its zone ID.",
				Flags:       []cli.Flag{flagKeyFile},
				Action: func(cCtx *cli.Context) error {
					path := cCtx.String(flagKeyFile.Name)
					if _, err := os.Stat(path); err == nil {
						return fmt.Errorf("refusing to overwrite existing key file %s", path)
					}

					key, err := ethcrypto.GenerateKey()
					if err != nil {
						return fmt.Errorf("failed to generate key: %w", err)
					}
					encoded := hex.EncodeToString(ethcrypto.FromECDSA(key))
					if err := os.WriteFile(path, []byte(encoded+"\n"), 0600); err != nil {
						return fmt.Errorf("failed to write key file: %w", err)
					}

					fmt.Println(interfaces.ZoneIDFromPrivateKey(key).String())
					return nil
				},
			},
			{
				Name:        "bootstrap-key",
				Usage:       "Provision the identity's ABE master key",
				Description: "Creates and stores a master key if the zone has none. With --force, replaces an existing key and orphans every ciphertext derived from it.",
				Flags:       []cli.Flag{flagKeyFile, flagRecordStore, flagForce},
				Action: func(cCtx *cli.Context) error {
					env, err := loadEnv(cCtx)
					if err != nil {
						return err
					}
					if _, err := env.bootstrap.EnsureMasterKey(context.Background(), env.key, cCtx.Bool(flagForce.Name)); err != nil {
						return err
					}
					fmt.Println("master key ready for zone", interfaces.ZoneIDFromPrivateKey(env.key).String())
					return nil
				},
			},
			{
				Name:        "export-shares",
				Usage:       "Split the master key into recovery shares",
				Description: "Writes one base64 share file per custodian. Any threshold of them recovers the key; fewer reveal nothing.",
				Flags:       []cli.Flag{flagKeyFile, flagRecordStore, flagShareDir, flagShareTotal, flagShareThreshold},
				Action: func(cCtx *cli.Context) error {
					env, err := loadEnv(cCtx)
					if err != nil {
						return err
					}
					masterKey, err := env.bootstrap.EnsureMasterKey(context.Background(), env.key, false)
					if err != nil {
						return err
					}

					shares, err := abe.SplitMasterKey(masterKey, cCtx.Int(flagShareTotal.Name), cCtx.Int(flagShareThreshold.Name))
					if err != nil {
						return err
					}
					for i, share := range shares {
						path := filepath.Join(cCtx.String(flagShareDir.Name), fmt.Sprintf("share-%d.b64", i+1))
						if err := os.WriteFile(path, []byte(base64.StdEncoding.EncodeToString(share)+"\n"), 0600); err != nil {
							return fmt.Errorf("failed to write share %d: %w", i+1, err)
						}
						fmt.Println("wrote", path)
					}
					return nil
				},
			},
			{
				Name:        "recover-key",
				Usage:       "Recover the master key from share files",
				Description: "Combines the share files given as arguments and stores the recovered master key back into the identity's zone.",
				ArgsUsage:   "share-file [share-file ...]",
				Flags:       []cli.Flag{flagKeyFile, flagRecordStore},
				Action: func(cCtx *cli.Context) error {
					env, err := loadEnv(cCtx)
					if err != nil {
						return err
					}
					if cCtx.Args().Len() < 2 {
						return fmt.Errorf("need at least 2 share files, got %d", cCtx.Args().Len())
					}

					var shares [][]byte
					for _, path := range cCtx.Args().Slice() {
						raw, err := os.ReadFile(path)
						if err != nil {
							return fmt.Errorf("failed to read share %s: %w", path, err)
						}
						share, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(raw)))
						if err != nil {
							return fmt.Errorf("failed to decode share %s: %w", path, err)
						}
						shares = append(shares, share)
					}

					masterKey, err := abe.CombineMasterKey(shares)
					if err != nil {
						return err
					}
					if err := env.bootstrap.RestoreMasterKey(context.Background(), env.key, masterKey); err != nil {
						return err
					}
					fmt.Println("master key restored for zone", interfaces.ZoneIDFromPrivateKey(env.key).String())
					return nil
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
