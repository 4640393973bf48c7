package main

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/urfave/cli"

	"github.com/coachpo/mosaic/internal/claim"
	"github.com/coachpo/mosaic/internal/domain/cell"
	"github.com/coachpo/mosaic/internal/infra/mint"
	"github.com/coachpo/mosaic/internal/infra/objectstore"
	"github.com/coachpo/mosaic/internal/infra/payment"
	"github.com/coachpo/mosaic/internal/retry"
)

// cells loaded around the target so the grid store holds its neighbourhood
const claimWindow = 10

type claimOutput struct {
	ClaimID   string  `json:"claimId"`
	X         int     `json:"x"`
	Y         int     `json:"y"`
	Owner     string  `json:"owner"`
	ImageURL  *string `json:"imageUrl"`
	NFTURL    *string `json:"nftUrl"`
	Mint      string  `json:"mint"`
	Signature string  `json:"signature"`
}

func runClaim(c *cli.Context) error {
	m := c.App.Metadata["config"].(*metadata)
	cfg := m.config

	file := c.String("file")
	if file == "" {
		return errors.New("missing --file")
	}
	keyFile := c.String("keypair")
	if keyFile == "" {
		return errors.New("missing --keypair")
	}
	x, y := c.Int("x"), c.Int("y")
	pick := x < 0 && y < 0
	if !pick && !cell.InBounds(x, y) {
		return fmt.Errorf("invalid cell: (%d, %d)", x, y)
	}

	data, err := os.ReadFile(file)
	if err != nil {
		return err
	}
	wallet, err := payment.LoadKeypair(keyFile)
	if err != nil {
		return err
	}

	if m.verbose {
		fmt.Fprintf(m.e, "file: %s (%d bytes)\n", file, len(data))
		fmt.Fprintf(m.e, "wallet: %s\n", wallet.Address())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := openSession(ctx, m, true)
	if err != nil {
		return err
	}
	defer s.Close()

	target := cell.Coord{X: x, Y: y}
	if pick {
		target, err = s.grid.FindAvailableCell(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(m.e, "selected cell: (%d, %d)\n", target.X, target.Y)
	}
	if err := s.grid.LoadRange(ctx, target.Y-claimWindow, target.X-claimWindow, target.Y+claimWindow, target.X+claimWindow); err != nil {
		m.logger.Printf("load surrounding cells: %v", err)
	}
	if err := s.grid.SetSelected(&target); err != nil {
		return err
	}

	objects, err := objectstore.NewHTTPStore(m.daemon, cfg.APIServer.PublicURL+"/objects", s.http)
	if err != nil {
		return err
	}
	network, err := payment.NewRPCClient(payment.RPCOptions{
		Endpoint:       cfg.Payment.RPCURL,
		Commitment:     cfg.Payment.Commitment,
		PollInterval:   cfg.Payment.PollInterval,
		ConfirmTimeout: cfg.Payment.ConfirmTimeout,
	})
	if err != nil {
		return err
	}
	minter, err := mint.NewClient(cfg.Mint.Endpoint, &http.Client{Timeout: cfg.Mint.Timeout})
	if err != nil {
		return err
	}

	pipeline, err := claim.New(claim.Options{
		Cells:       s.cells,
		Grid:        s.grid,
		Objects:     objects,
		Payments:    network,
		Minter:      minter,
		Recipient:   cfg.Payment.Recipient,
		Price:       cfg.Payment.PriceDecimal(),
		FeeMargin:   cfg.Payment.FeeMarginDecimal(),
		ExplorerURL: cfg.Mint.ExplorerURL,
		Limits: claim.Limits{
			MinBytes: cfg.Claim.MinFileBytes,
			MaxBytes: cfg.Claim.MaxFileBytes,
		},
		CheckTimeout:  cfg.Claim.CheckTimeout,
		UploadTimeout: cfg.Claim.UploadTimeout,
		CommitTimeout: cfg.Claim.CommitTimeout,
		NetworkPolicy: gridPolicy(cfg.Grid.QueryAttempts, cfg.Grid.QueryBackoff, retry.Network()),
		HTTPClient:    s.http,
		Observer:      progressObserver(m),
		Logger:        m.logger,
	})
	if err != nil {
		return err
	}

	result, err := pipeline.Run(ctx, claim.Request{
		Coord: target,
		File: claim.File{
			Name:        filepath.Base(file),
			ContentType: declaredType(file),
			Data:        data,
		},
		Title:       c.String("title"),
		Description: c.String("description"),
		Wallet:      wallet,
	})
	if err != nil {
		return err
	}

	printJSON(m.w, claimOutput{
		ClaimID:   result.ClaimID,
		X:         result.Cell.X,
		Y:         result.Cell.Y,
		Owner:     result.Cell.Owner,
		ImageURL:  result.Cell.ImageURL,
		NFTURL:    result.Cell.NFTURL,
		Mint:      result.Mint,
		Signature: result.Signature,
	})
	return nil
}

// declaredType derives the content type from the file extension, as a browser
// file picker does; the pipeline checks it against the file's signature.
func declaredType(file string) string {
	t, _, _ := mime.ParseMediaType(mime.TypeByExtension(filepath.Ext(file)))
	return t
}

func progressObserver(m *metadata) claim.Observer {
	return func(t claim.Transition) {
		if t.Err != nil {
			fmt.Fprintf(m.e, "%s: %s -> %s: %s\n", t.Coord, t.From, t.To, t.Err)
			return
		}
		fmt.Fprintf(m.e, "%s: %s\n", t.Coord, t.To)
	}
}
