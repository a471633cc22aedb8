// trustctl is a command line client for the trust score ledger.
package main

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/blockid/trustledger/internal/client"
	"github.com/blockid/trustledger/internal/pda"
	"github.com/blockid/trustledger/internal/trustscore"
)

var flagServer = &cli.StringFlag{
	Name:    "server",
	Value:   client.DefaultURL,
	Usage:   "trustledger API base URL",
	EnvVars: []string{"TRUSTLEDGER_API_URL"},
}

var flagProgramID = &cli.StringFlag{
	Name:    "program-id",
	Value:   trustscore.DefaultProgramID,
	Usage:   "program id namespacing derived addresses",
	EnvVars: []string{"PROGRAM_ID"},
}

var flagKeyFile = &cli.StringFlag{
	Name:    "key-file",
	Value:   "oracle.json",
	Usage:   "path to the oracle key file",
	EnvVars: []string{"TRUSTLEDGER_KEY_FILE"},
}

var flagOracle = &cli.StringFlag{
	Name:  "oracle",
	Usage: "base58 oracle public key",
}

var flagWallet = &cli.StringFlag{
	Name:     "wallet",
	Usage:    "base58 wallet public key",
	Required: true,
}

func main() {
	app := &cli.App{
		Name:  "trustctl",
		Usage: "publish and read wallet trust scores",
		Commands: []*cli.Command{
			{
				Name:  "keygen",
				Usage: "generate an oracle key file",
				Flags: []cli.Flag{
					flagKeyFile,
					&cli.BoolFlag{Name: "force", Usage: "overwrite an existing key file"},
				},
				Action: keygen,
			},
			{
				Name:   "derive",
				Usage:  "derive the account address of an oracle's score for a wallet",
				Flags:  []cli.Flag{flagProgramID, flagOracle, flagWallet, flagKeyFile},
				Action: derive,
			},
			{
				Name:  "update",
				Usage: "sign and publish a score",
				Flags: []cli.Flag{
					flagServer, flagProgramID, flagKeyFile, flagOracle, flagWallet,
					&cli.UintFlag{Name: "score", Usage: "trust score 0-100", Required: true},
					&cli.StringFlag{Name: "risk", Usage: "low, medium, high or critical (default: band of the score)"},
				},
				Action: update,
			},
			{
				Name:   "get",
				Usage:  "read an oracle's score for a wallet",
				Flags:  []cli.Flag{flagServer, flagOracle, flagWallet, flagKeyFile},
				Action: get,
			},
			{
				Name:  "account",
				Usage: "dump the raw account at an address",
				Flags: []cli.Flag{
					flagServer,
					&cli.StringFlag{Name: "address", Usage: "base58 account address", Required: true},
				},
				Action: account,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func keygen(cCtx *cli.Context) error {
	path := cCtx.String(flagKeyFile.Name)
	if _, err := os.Stat(path); err == nil && !cCtx.Bool("force") {
		return fmt.Errorf("%s exists; pass --force to overwrite", path)
	}

	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return fmt.Errorf("failed to generate key: %w", err)
	}
	if err := writeKeyFile(path, priv); err != nil {
		return err
	}

	key, _ := pda.PublicKeyFromBytes(pub)
	fmt.Fprintln(cCtx.App.Writer, key)
	return nil
}

// oracleKey resolves --oracle, falling back to the key file's public key.
func oracleKey(cCtx *cli.Context) (pda.PublicKey, error) {
	if s := cCtx.String(flagOracle.Name); s != "" {
		return pda.ParsePublicKey(s)
	}
	_, pub, err := readKeyFile(cCtx.String(flagKeyFile.Name))
	if err != nil {
		return pda.PublicKey{}, fmt.Errorf("--oracle not set and key file unreadable: %w", err)
	}
	return pub, nil
}

func derive(cCtx *cli.Context) error {
	programID, err := pda.ParsePublicKey(cCtx.String(flagProgramID.Name))
	if err != nil {
		return fmt.Errorf("--program-id: %w", err)
	}
	oracle, err := oracleKey(cCtx)
	if err != nil {
		return err
	}
	wallet, err := pda.ParsePublicKey(cCtx.String(flagWallet.Name))
	if err != nil {
		return fmt.Errorf("--wallet: %w", err)
	}

	d, err := pda.TrustScoreAddress(programID, oracle, wallet)
	if err != nil {
		return err
	}
	return printJSON(cCtx, trustscore.AddressResponse{
		ProgramID: programID.String(),
		Oracle:    oracle.String(),
		Wallet:    wallet.String(),
		Address:   d.Address.String(),
		Bump:      d.Bump,
	})
}

func update(cCtx *cli.Context) error {
	programID, err := pda.ParsePublicKey(cCtx.String(flagProgramID.Name))
	if err != nil {
		return fmt.Errorf("--program-id: %w", err)
	}
	priv, signer, err := readKeyFile(cCtx.String(flagKeyFile.Name))
	if err != nil {
		return err
	}
	oracle := signer
	if s := cCtx.String(flagOracle.Name); s != "" {
		if oracle, err = pda.ParsePublicKey(s); err != nil {
			return fmt.Errorf("--oracle: %w", err)
		}
	}
	wallet, err := pda.ParsePublicKey(cCtx.String(flagWallet.Name))
	if err != nil {
		return fmt.Errorf("--wallet: %w", err)
	}

	score := cCtx.Uint("score")
	if score > 255 {
		return fmt.Errorf("--score %d does not fit a byte", score)
	}
	risk := trustscore.RiskForScore(uint8(score))
	if s := cCtx.String("risk"); s != "" {
		if risk, err = trustscore.ParseRisk(s); err != nil {
			return fmt.Errorf("--risk: %w", err)
		}
	}

	d, err := pda.TrustScoreAddress(programID, oracle, wallet)
	if err != nil {
		return err
	}
	req := trustscore.UpdateRequest{
		Oracle:   oracle,
		Wallet:   wallet,
		Score:    uint8(score),
		Risk:     risk,
		Address:  d.Address,
		IssuedAt: time.Now().Unix(),
	}
	req.Sign(priv)

	c := client.New(cCtx.String(flagServer.Name))
	if err := c.Update(cCtx.Context, req); err != nil {
		return err
	}
	rec, err := c.Get(cCtx.Context, oracle, wallet)
	if err != nil {
		return err
	}
	return printJSON(cCtx, rec)
}

func get(cCtx *cli.Context) error {
	oracle, err := oracleKey(cCtx)
	if err != nil {
		return err
	}
	wallet, err := pda.ParsePublicKey(cCtx.String(flagWallet.Name))
	if err != nil {
		return fmt.Errorf("--wallet: %w", err)
	}

	rec, err := client.New(cCtx.String(flagServer.Name)).Get(cCtx.Context, oracle, wallet)
	if err != nil {
		return err
	}
	return printJSON(cCtx, rec)
}

func account(cCtx *cli.Context) error {
	addr, err := pda.ParsePublicKey(cCtx.String("address"))
	if err != nil {
		return fmt.Errorf("--address: %w", err)
	}
	acct, err := client.New(cCtx.String(flagServer.Name)).Account(cCtx.Context, addr)
	if err != nil {
		return err
	}
	return printJSON(cCtx, acct)
}

func printJSON(cCtx *cli.Context, v any) error {
	enc := json.NewEncoder(cCtx.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
