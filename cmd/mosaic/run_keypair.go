package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli"

	"github.com/coachpo/mosaic/internal/infra/payment"
)

type keypairOutput struct {
	Address string `json:"address"`
	File    string `json:"file,omitempty"`
}

func runKeypairGenerate(c *cli.Context) error {
	m := c.App.Metadata["config"].(*metadata)

	output := c.String("output")
	if output == "" {
		return errors.New("missing --output")
	}
	if !c.Bool("force") {
		if _, err := os.Stat(output); err == nil {
			return fmt.Errorf("not overwriting existing key pair: %q", output)
		}
	}

	kp, err := payment.GenerateKeypair()
	if err != nil {
		return err
	}
	if err := payment.SaveKeypair(output, kp); err != nil {
		return err
	}
	printJSON(m.w, keypairOutput{Address: kp.Address(), File: output})
	return nil
}

func runKeypairShow(c *cli.Context) error {
	m := c.App.Metadata["config"].(*metadata)

	file := c.String("keypair")
	if file == "" {
		return errors.New("missing --keypair")
	}
	kp, err := payment.LoadKeypair(file)
	if err != nil {
		return err
	}
	printJSON(m.w, keypairOutput{Address: kp.Address()})
	return nil
}
