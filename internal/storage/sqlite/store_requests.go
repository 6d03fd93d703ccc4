package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/vaultmesh/vaultmesh/internal/mesh/domain"
	"github.com/vaultmesh/vaultmesh/internal/storage"
)

func encodeLegs(params domain.ActionParams) (assets string, amounts string, err error) {
	assetsJSON, err := json.Marshal(params.Assets)
	if err != nil {
		return "", "", fmt.Errorf("encode assets: %w", err)
	}
	amountStrings := make([]string, 0, len(params.Amounts))
	for _, amount := range params.Amounts {
		amountStrings = append(amountStrings, amount.String())
	}
	amountsJSON, err := json.Marshal(amountStrings)
	if err != nil {
		return "", "", fmt.Errorf("encode amounts: %w", err)
	}
	return string(assetsJSON), string(amountsJSON), nil
}

func decodeLegs(assets, amounts string) ([]string, []decimal.Decimal, error) {
	var assetIDs []string
	if err := json.Unmarshal([]byte(assets), &assetIDs); err != nil {
		return nil, nil, fmt.Errorf("decode assets: %w", err)
	}
	var amountStrings []string
	if err := json.Unmarshal([]byte(amounts), &amountStrings); err != nil {
		return nil, nil, fmt.Errorf("decode amounts: %w", err)
	}
	decoded := make([]decimal.Decimal, 0, len(amountStrings))
	for _, value := range amountStrings {
		amount, err := parseAmount(value)
		if err != nil {
			return nil, nil, err
		}
		decoded = append(decoded, amount)
	}
	return assetIDs, decoded, nil
}

// InsertRequest records a new action request. Guid reuse fails
// storage.ErrAlreadyExists; requests are never deleted afterwards.
func (s *Store) InsertRequest(ctx context.Context, request domain.ActionRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}
	if strings.TrimSpace(request.GUID) == "" {
		return fmt.Errorf("request guid is required")
	}

	assets, amounts, err := encodeLegs(request.Params)
	if err != nil {
		return err
	}
	_, err = s.q.ExecContext(
		ctx,
		`INSERT INTO requests (
		    guid, hub_domain, hub_vault_id, kind, initiator, owner, receiver,
		    assets, amounts, native_value, slippage_bound, created_at,
		    fulfilled, state, aggregated_snapshot, failed_attempts)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		request.GUID,
		string(request.Hub.Domain),
		request.Hub.VaultID,
		string(request.Kind),
		string(request.Initiator),
		string(request.Owner),
		string(request.Receiver),
		assets,
		amounts,
		request.Params.NativeValue.String(),
		request.SlippageBound.String(),
		toMillis(request.CreatedAt),
		boolToInt(request.Fulfilled),
		string(request.State),
		request.AggregatedSnapshot.String(),
		request.FailedAttempts,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("insert request: %w", err)
	}
	return nil
}

// GetRequest returns one action request by guid.
func (s *Store) GetRequest(ctx context.Context, guid string) (domain.ActionRequest, error) {
	if err := ctx.Err(); err != nil {
		return domain.ActionRequest{}, err
	}
	if err := s.ready(); err != nil {
		return domain.ActionRequest{}, err
	}

	row := s.q.QueryRowContext(
		ctx,
		`SELECT guid, hub_domain, hub_vault_id, kind, initiator, owner, receiver,
		        assets, amounts, native_value, slippage_bound, created_at,
		        fulfilled, state, aggregated_snapshot, failed_attempts
		 FROM requests
		 WHERE guid = ?`,
		guid,
	)
	return scanRequest(row)
}

// UpdateRequest persists the mutable lifecycle fields of a request.
func (s *Store) UpdateRequest(ctx context.Context, request domain.ActionRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}

	result, err := s.q.ExecContext(
		ctx,
		`UPDATE requests
		 SET fulfilled = ?, state = ?, aggregated_snapshot = ?, failed_attempts = ?
		 WHERE guid = ?`,
		boolToInt(request.Fulfilled),
		string(request.State),
		request.AggregatedSnapshot.String(),
		request.FailedAttempts,
		request.GUID,
	)
	if err != nil {
		return fmt.Errorf("update request: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update request: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// PutAccountingManager sets the per-vault accounting-manager override.
func (s *Store) PutAccountingManager(ctx context.Context, vault domain.VaultRef, manager domain.Identity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}
	if strings.TrimSpace(string(manager)) == "" {
		return fmt.Errorf("accounting manager is required")
	}

	_, err := s.q.ExecContext(
		ctx,
		`INSERT INTO accounting_managers (domain, vault_id, manager)
		 VALUES (?, ?, ?)
		 ON CONFLICT(domain, vault_id) DO UPDATE SET manager = excluded.manager`,
		string(vault.Domain),
		vault.VaultID,
		string(manager),
	)
	if err != nil {
		return fmt.Errorf("put accounting manager: %w", err)
	}
	return nil
}

// GetAccountingManager returns the per-vault accounting-manager override.
func (s *Store) GetAccountingManager(ctx context.Context, vault domain.VaultRef) (domain.Identity, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := s.ready(); err != nil {
		return "", err
	}

	row := s.q.QueryRowContext(
		ctx,
		`SELECT manager FROM accounting_managers WHERE domain = ? AND vault_id = ?`,
		string(vault.Domain),
		vault.VaultID,
	)
	var manager string
	if err := row.Scan(&manager); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", storage.ErrNotFound
		}
		return "", fmt.Errorf("get accounting manager: %w", err)
	}
	return domain.Identity(manager), nil
}

func scanRequest(row *sql.Row) (domain.ActionRequest, error) {
	var (
		request    domain.ActionRequest
		hubDomain  string
		kind       string
		initiator  string
		owner      string
		receiver   string
		assets     string
		amounts    string
		native     string
		bound      string
		createdAt  int64
		fulfilled  int
		state      string
		aggregated string
	)
	err := row.Scan(
		&request.GUID,
		&hubDomain,
		&request.Hub.VaultID,
		&kind,
		&initiator,
		&owner,
		&receiver,
		&assets,
		&amounts,
		&native,
		&bound,
		&createdAt,
		&fulfilled,
		&state,
		&aggregated,
		&request.FailedAttempts,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ActionRequest{}, storage.ErrNotFound
		}
		return domain.ActionRequest{}, fmt.Errorf("get request: %w", err)
	}

	request.Hub.Domain = domain.Domain(hubDomain)
	request.Kind = domain.ActionKind(kind)
	request.Initiator = domain.Identity(initiator)
	request.Owner = domain.Identity(owner)
	request.Receiver = domain.Identity(receiver)
	request.CreatedAt = fromMillis(createdAt)
	request.Fulfilled = fulfilled != 0
	request.State = domain.RequestState(state)

	assetIDs, legAmounts, err := decodeLegs(assets, amounts)
	if err != nil {
		return domain.ActionRequest{}, err
	}
	request.Params.Assets = assetIDs
	request.Params.Amounts = legAmounts
	if request.Params.NativeValue, err = parseAmount(native); err != nil {
		return domain.ActionRequest{}, err
	}
	if request.SlippageBound, err = parseAmount(bound); err != nil {
		return domain.ActionRequest{}, err
	}
	if request.AggregatedSnapshot, err = parseAmount(aggregated); err != nil {
		return domain.ActionRequest{}, err
	}
	return request, nil
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
