// Package claim runs the purchase flow for a single cell: availability,
// file validation, upload, payment, minting and the ownership commit.
package claim

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/coachpo/mosaic/errs"
	"github.com/coachpo/mosaic/internal/domain/cell"
	"github.com/coachpo/mosaic/internal/domain/cellstore"
	"github.com/coachpo/mosaic/internal/infra/mint"
	"github.com/coachpo/mosaic/internal/infra/objectstore"
	"github.com/coachpo/mosaic/internal/infra/payment"
	"github.com/coachpo/mosaic/internal/infra/telemetry"
	"github.com/coachpo/mosaic/internal/retry"
)

const (
	opRun                 = "claim.Run"
	defaultCheckTimeout   = 10 * time.Second
	defaultUploadTimeout  = 60 * time.Second
	defaultCommitTimeout  = 30 * time.Second
	defaultCleanupTimeout = 15 * time.Second
)

// LocalApplier receives the optimistic write after a successful commit.
type LocalApplier interface {
	ApplyLocal(c cell.Cell) error
}

// Options wires the pipeline to its collaborators.
type Options struct {
	Cells    cellstore.Store
	Grid     LocalApplier
	Objects  objectstore.Store
	Payments payment.Network
	Minter   mint.Minter

	// Recipient receives Price for every claim.
	Recipient string
	Price     decimal.Decimal
	// FeeMargin is added to Price for the balance check.
	FeeMargin decimal.Decimal
	// ExplorerURL is a template containing "{mint}" used to build the cell's NFT URL.
	ExplorerURL string

	Limits        Limits
	CheckTimeout  time.Duration
	UploadTimeout time.Duration
	CommitTimeout time.Duration
	NetworkPolicy retry.Policy

	// Liveness checks the public URL after upload. Defaults to a HEAD request.
	Liveness   func(ctx context.Context, url string) error
	HTTPClient *http.Client

	Observer Observer
	Logger   *log.Logger
	Metrics  *telemetry.ClaimMetrics
	Clock    func() time.Time
}

// Request is one claim attempt.
type Request struct {
	Coord       cell.Coord
	File        File
	Title       string
	Description string
	Wallet      payment.Wallet
}

// Result describes a committed claim.
type Result struct {
	ClaimID   string
	Cell      cell.Cell
	Object    string
	Signature string
	Mint      string
}

// Pipeline executes claims one at a time.
type Pipeline struct {
	opts    Options
	logger  *log.Logger
	clock   func() time.Time
	running atomic.Bool

	mu         sync.Mutex
	cancel     context.CancelFunc
	committing bool
	state      State
}

// New validates collaborators and applies defaults.
func New(opts Options) (*Pipeline, error) {
	switch {
	case opts.Cells == nil:
		return nil, errors.New("claim: cell store required")
	case opts.Objects == nil:
		return nil, errors.New("claim: object store required")
	case opts.Payments == nil:
		return nil, errors.New("claim: payment network required")
	case opts.Minter == nil:
		return nil, errors.New("claim: minter required")
	case strings.TrimSpace(opts.Recipient) == "":
		return nil, errors.New("claim: payment recipient required")
	case opts.Price.Sign() <= 0:
		return nil, errors.New("claim: price must be positive")
	case opts.FeeMargin.Sign() < 0:
		return nil, errors.New("claim: fee margin must not be negative")
	}
	if opts.CheckTimeout <= 0 {
		opts.CheckTimeout = defaultCheckTimeout
	}
	if opts.UploadTimeout <= 0 {
		opts.UploadTimeout = defaultUploadTimeout
	}
	if opts.CommitTimeout <= 0 {
		opts.CommitTimeout = defaultCommitTimeout
	}
	if opts.NetworkPolicy.Attempts == 0 {
		opts.NetworkPolicy = retry.Network()
	}
	if opts.Liveness == nil {
		client := opts.HTTPClient
		opts.Liveness = func(ctx context.Context, url string) error {
			return objectstore.CheckLive(ctx, client, url)
		}
	}
	p := &Pipeline{opts: opts, logger: opts.Logger, clock: opts.Clock}
	if p.logger == nil {
		p.logger = log.New(io.Discard, "", 0)
	}
	if p.clock == nil {
		p.clock = time.Now
	}
	return p, nil
}

// State returns the stage of the active run, or the final stage of the last one.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Running reports whether a claim is in progress.
func (p *Pipeline) Running() bool {
	return p.running.Load()
}

// Cancel aborts the active run. It has no effect once the commit has started
// and reports whether a cancellation was delivered.
func (p *Pipeline) Cancel() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel == nil || p.committing {
		return false
	}
	p.cancel()
	return true
}

// Run executes a claim. Only one run may be active per pipeline.
func (p *Pipeline) Run(ctx context.Context, req Request) (Result, error) {
	if !p.running.CompareAndSwap(false, true) {
		return Result{}, errs.New(opRun, errs.CodeBusy,
			errs.WithMessage("a claim is already in progress"),
			errs.WithRemediation("wait for the current claim to finish or cancel it"))
	}
	defer p.running.Store(false)

	runCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancel = cancel
	p.committing = false
	p.state = StateInit
	p.mu.Unlock()
	defer func() {
		cancel()
		p.mu.Lock()
		p.cancel = nil
		p.mu.Unlock()
	}()

	r := &run{
		p:       p,
		id:      uuid.NewString(),
		req:     req,
		file:    req.File.Data,
		started: p.clock(),
		state:   StateInit,
	}
	res, err := r.execute(runCtx)
	r.release()
	final := StateDone
	if err != nil {
		final = StateError
		if errs.Has(err, errs.CodeCancelled) {
			final = StateCancelled
		}
	}
	r.transition(final, err)
	code := ""
	if err != nil {
		code = string(errs.CodeOf(err))
	}
	p.opts.Metrics.RecordRun(ctx, final.String(), p.clock().Sub(r.started), code)
	return res, err
}

type run struct {
	p       *Pipeline
	id      string
	req     Request
	file    []byte
	started time.Time
	state   State

	object    string
	uploaded  bool
	committed bool
}

func (r *run) transition(to State, err error) {
	from := r.state
	r.state = to
	r.p.mu.Lock()
	r.p.state = to
	if to == StateCommitting {
		r.p.committing = true
	}
	r.p.mu.Unlock()
	if r.p.opts.Observer != nil {
		r.p.opts.Observer(Transition{
			ClaimID: r.id,
			Coord:   r.req.Coord,
			From:    from,
			To:      to,
			At:      r.p.clock(),
			Err:     err,
		})
	}
}

func (r *run) release() {
	r.file = nil
	r.req.File.Data = nil
}

func (r *run) stage(ctx context.Context, stage State, err error) {
	if err == nil {
		r.p.opts.Metrics.RecordStage(ctx, stage.String(), telemetry.ResultSuccess, "")
		return
	}
	r.p.opts.Metrics.RecordStage(ctx, stage.String(), telemetry.ResultError, string(errs.CodeOf(err)))
}

// fail builds the returned envelope, reporting cancellation in preference to
// the step's own failure code.
func (r *run) fail(ctx context.Context, code errs.Code, message string, cause error) error {
	if ctx.Err() != nil || errors.Is(cause, context.Canceled) {
		return errs.New(opRun, errs.CodeCancelled,
			errs.WithMessage("claim cancelled"),
			errs.WithCause(cause),
			errs.WithField("claim_id", r.id))
	}
	return errs.New(opRun, code,
		errs.WithMessage(message),
		errs.WithCause(cause),
		errs.WithField("claim_id", r.id),
		errs.WithField("cell", r.req.Coord.String()))
}

func (r *run) execute(ctx context.Context) (res Result, err error) {
	defer func() {
		if r.uploaded && !r.committed {
			r.compensate(ctx)
		}
	}()

	if !r.req.Coord.Valid() {
		return Result{}, errs.New(opRun, errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("cell %s is outside the grid", r.req.Coord)))
	}
	if r.req.Wallet == nil {
		return Result{}, errs.New(opRun, errs.CodeInvalid,
			errs.WithMessage("wallet not connected"),
			errs.WithRemediation("connect a wallet before claiming"))
	}

	r.transition(StateAvailabilityCheck, nil)
	err = r.checkAvailable(ctx)
	r.stage(ctx, StateAvailabilityCheck, err)
	if err != nil {
		return Result{}, err
	}

	imageType, verr := ValidateFile(File{Name: r.req.File.Name, ContentType: r.req.File.ContentType, Data: r.file}, r.p.opts.Limits)
	if verr != nil {
		err = errs.New(opRun, errs.CodeInvalid, errs.WithMessage(verr.Error()), errs.WithCause(verr))
		r.stage(ctx, StateFileValidated, err)
		return Result{}, err
	}
	r.transition(StateFileValidated, nil)
	r.stage(ctx, StateFileValidated, nil)

	r.transition(StateUploading, nil)
	imageURL, err := r.upload(ctx, imageType)
	r.stage(ctx, StateUploading, err)
	if err != nil {
		return Result{}, err
	}
	r.transition(StateUploaded, nil)

	// Someone may have committed the cell while the image was uploading.
	if err = r.checkAvailable(ctx); err != nil {
		r.stage(ctx, StateUploaded, err)
		return Result{}, err
	}
	if err = ctx.Err(); err != nil {
		return Result{}, r.fail(ctx, errs.CodeCancelled, "claim cancelled", err)
	}

	r.transition(StatePaymentPending, nil)
	signature, err := r.pay(ctx)
	r.stage(ctx, StatePaymentPending, err)
	if err != nil {
		return Result{}, err
	}
	r.transition(StatePaymentConfirmed, nil)

	r.transition(StateMinting, nil)
	mintRef, merr := r.p.opts.Minter.Mint(ctx, mint.Request{
		Wallet:      r.req.Wallet.Address(),
		Name:        r.title(),
		Description: r.req.Description,
		ImageURL:    imageURL,
		X:           r.req.Coord.X,
		Y:           r.req.Coord.Y,
	})
	if merr != nil {
		r.p.logger.Printf("claim %s: mint for %s failed after payment %s: %v", r.id, r.req.Coord, signature, merr)
		err = r.fail(ctx, errs.CodeMintFailed, "minting failed after payment", merr)
		r.stage(ctx, StateMinting, err)
		return Result{}, err
	}
	r.stage(ctx, StateMinting, nil)

	r.transition(StateCommitting, nil)
	committed, err := r.commit(ctx, imageURL, mintRef, signature)
	r.stage(ctx, StateCommitting, err)
	if err != nil {
		return Result{}, err
	}
	r.committed = true

	if aerr := r.applyLocal(committed); aerr != nil {
		r.p.logger.Printf("claim %s: optimistic grid update for %s: %v", r.id, r.req.Coord, aerr)
	}
	return Result{
		ClaimID:   r.id,
		Cell:      committed,
		Object:    r.object,
		Signature: signature,
		Mint:      mintRef,
	}, nil
}

func (r *run) title() string {
	if t := strings.TrimSpace(r.req.Title); t != "" {
		return t
	}
	return fmt.Sprintf("Pixel (%d, %d)", r.req.Coord.X, r.req.Coord.Y)
}

func (r *run) checkAvailable(ctx context.Context) error {
	c, err := retry.Do(ctx, r.p.opts.NetworkPolicy, func(ctx context.Context) (cell.Cell, error) {
		qctx, cancel := context.WithTimeout(ctx, r.p.opts.CheckTimeout)
		defer cancel()
		c, err := r.p.opts.Cells.Get(qctx, r.req.Coord)
		if errors.Is(err, cellstore.ErrNotFound) {
			return cell.Unowned(r.req.Coord.X, r.req.Coord.Y), nil
		}
		return c, err
	})
	if err != nil {
		return r.fail(ctx, errs.CodeNetwork, "could not check cell availability", err)
	}
	if c.Owned() {
		return errs.New(opRun, errs.CodePixelTaken,
			errs.WithMessage(fmt.Sprintf("cell %s is already owned", r.req.Coord)),
			errs.WithRemediation("pick another cell"),
			errs.WithField("owner", c.Owner))
	}
	return nil
}

func (r *run) upload(ctx context.Context, imageType ImageType) (string, error) {
	name := ObjectName(r.req.Coord.X, r.req.Coord.Y, imageType.Extension)
	_, err := retry.Do(ctx, r.p.opts.NetworkPolicy, func(ctx context.Context) (struct{}, error) {
		uctx, cancel := context.WithTimeout(ctx, r.p.opts.UploadTimeout)
		defer cancel()
		err := r.p.opts.Objects.Upload(uctx, name, r.file, objectstore.UploadOptions{
			ContentType: imageType.ContentType,
			Upsert:      true,
		})
		if errors.Is(err, objectstore.ErrExists) {
			return struct{}{}, retry.Permanent(err)
		}
		return struct{}{}, err
	})
	if err != nil {
		return "", r.fail(ctx, errs.CodeUploadFailed, "image upload failed", err)
	}
	r.object = name
	r.uploaded = true

	publicURL := r.p.opts.Objects.PublicURL(name)
	_, err = retry.Do(ctx, r.p.opts.NetworkPolicy, func(ctx context.Context) (struct{}, error) {
		lctx, cancel := context.WithTimeout(ctx, r.p.opts.CheckTimeout)
		defer cancel()
		return struct{}{}, r.p.opts.Liveness(lctx, publicURL)
	})
	if err != nil {
		return "", r.fail(ctx, errs.CodeUploadFailed, "uploaded image is not reachable", err)
	}
	return publicURL, nil
}

func (r *run) pay(ctx context.Context) (string, error) {
	address := r.req.Wallet.Address()
	balance, err := retry.Do(ctx, r.p.opts.NetworkPolicy, func(ctx context.Context) (decimal.Decimal, error) {
		bctx, cancel := context.WithTimeout(ctx, r.p.opts.CheckTimeout)
		defer cancel()
		return r.p.opts.Payments.Balance(bctx, address)
	})
	if err != nil {
		return "", r.fail(ctx, errs.CodeNetwork, "could not read wallet balance", err)
	}
	required := r.p.opts.Price.Add(r.p.opts.FeeMargin)
	if balance.LessThan(required) {
		return "", errs.New(opRun, errs.CodeInsufficientBalance,
			errs.WithMessage(fmt.Sprintf("balance %s is below the required %s", balance, required)),
			errs.WithRemediation("top up the wallet and try again"),
			errs.WithCause(payment.ErrInsufficientBalance))
	}

	signature, err := r.p.opts.Payments.Transfer(ctx, r.req.Wallet, r.p.opts.Recipient, r.p.opts.Price)
	if err != nil {
		return "", r.fail(ctx, errs.CodePaymentFailed, "payment was not accepted", err)
	}
	r.p.logger.Printf("claim %s: payment %s submitted for %s", r.id, signature, r.req.Coord)

	_, err = retry.Do(ctx, r.p.opts.NetworkPolicy, func(ctx context.Context) (struct{}, error) {
		err := r.p.opts.Payments.Confirm(ctx, signature)
		if errors.Is(err, payment.ErrTransactionFailed) || errors.Is(err, payment.ErrUnconfirmed) {
			return struct{}{}, retry.Permanent(err)
		}
		return struct{}{}, err
	})
	if err != nil {
		return "", r.fail(ctx, errs.CodePaymentFailed, "payment was not confirmed", err)
	}
	return signature, nil
}

func (r *run) commit(ctx context.Context, imageURL, mintRef, signature string) (cell.Cell, error) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.p.opts.CommitTimeout)
	defer cancel()

	next := cell.Cell{
		X:           r.req.Coord.X,
		Y:           r.req.Coord.Y,
		Owner:       r.req.Wallet.Address(),
		ImageURL:    cell.StringPtr(imageURL),
		Title:       r.title(),
		Description: r.req.Description,
	}
	if u := mint.ExplorerURL(r.p.opts.ExplorerURL, mintRef); u != "" {
		next.NFTURL = cell.StringPtr(u)
	}

	committed, err := retry.Do(cctx, r.p.opts.NetworkPolicy, func(ctx context.Context) (cell.Cell, error) {
		c, err := r.p.opts.Cells.Commit(ctx, next)
		if errors.Is(err, cellstore.ErrConflict) {
			return cell.Cell{}, retry.Permanent(err)
		}
		return c, err
	})
	switch {
	case errors.Is(err, cellstore.ErrConflict):
		r.p.logger.Printf("claim %s: SEVERE commit conflict on %s after payment %s and mint %s", r.id, r.req.Coord, signature, mintRef)
		return cell.Cell{}, errs.New(opRun, errs.CodeCommitConflict,
			errs.WithMessage(fmt.Sprintf("cell %s was claimed by someone else", r.req.Coord)),
			errs.WithRemediation("contact support with the payment signature"),
			errs.WithCause(err),
			errs.WithField("signature", signature),
			errs.WithField("mint", mintRef))
	case err != nil:
		r.p.logger.Printf("claim %s: SEVERE commit of %s failed after payment %s: %v", r.id, r.req.Coord, signature, err)
		return cell.Cell{}, errs.New(opRun, errs.CodeNetwork,
			errs.WithMessage("ownership could not be recorded"),
			errs.WithCause(err),
			errs.WithField("signature", signature),
			errs.WithField("mint", mintRef))
	}
	return committed, nil
}

func (r *run) applyLocal(c cell.Cell) error {
	if r.p.opts.Grid == nil {
		return nil
	}
	return r.p.opts.Grid.ApplyLocal(c)
}

func (r *run) compensate(ctx context.Context) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultCleanupTimeout)
	defer cancel()
	if err := r.p.opts.Objects.Remove(cctx, r.object); err != nil {
		r.p.logger.Printf("claim %s: remove orphaned upload %s: %v", r.id, r.object, err)
		return
	}
	r.p.logger.Printf("claim %s: removed orphaned upload %s", r.id, r.object)
}
