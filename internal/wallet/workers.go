package wallet

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/riverqueue/river"
)

// ConfirmDepositArgs polls one deposit until the confirmation threshold.
type ConfirmDepositArgs struct {
	DepositTxID uuid.UUID `json:"deposit_tx_id"`
}

func (ConfirmDepositArgs) Kind() string { return "wallet_confirm_deposit" }

// ProcessWithdrawalArgs broadcasts one withdrawal.
type ProcessWithdrawalArgs struct {
	WithdrawalID uuid.UUID `json:"withdrawal_id"`
}

func (ProcessWithdrawalArgs) Kind() string { return "wallet_process_withdrawal" }

// ConfirmDepositWorker snoozes between polls until the deposit credits.
type ConfirmDepositWorker struct {
	river.WorkerDefaults[ConfirmDepositArgs]
	svc          *Service
	pollInterval time.Duration
	log          *slog.Logger
}

func NewConfirmDepositWorker(svc *Service, pollInterval time.Duration, log *slog.Logger) *ConfirmDepositWorker {
	if log == nil {
		log = slog.Default()
	}
	if pollInterval <= 0 {
		pollInterval = 4 * time.Second
	}
	return &ConfirmDepositWorker{svc: svc, pollInterval: pollInterval, log: log}
}

func (w *ConfirmDepositWorker) Work(ctx context.Context, job *river.Job[ConfirmDepositArgs]) error {
	done, err := w.svc.CheckDeposit(ctx, job.Args.DepositTxID)
	if err != nil {
		w.log.Error("deposit confirmation check failed", "deposit_tx_id", job.Args.DepositTxID, "error", err)
		return err
	}
	if !done {
		return river.JobSnooze(w.pollInterval)
	}
	return nil
}

// ProcessWithdrawalWorker runs one broadcast attempt per job.
type ProcessWithdrawalWorker struct {
	river.WorkerDefaults[ProcessWithdrawalArgs]
	svc *Service
	log *slog.Logger
}

func NewProcessWithdrawalWorker(svc *Service, log *slog.Logger) *ProcessWithdrawalWorker {
	if log == nil {
		log = slog.Default()
	}
	return &ProcessWithdrawalWorker{svc: svc, log: log}
}

func (w *ProcessWithdrawalWorker) Work(ctx context.Context, job *river.Job[ProcessWithdrawalArgs]) error {
	return w.svc.ProcessWithdrawal(ctx, job.Args.WithdrawalID)
}
