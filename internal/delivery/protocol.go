// Package delivery implements the ETSI GS QKD-014 delivery protocol state
// machine: status/enc_keys/dec_keys/mark_consumed, including the routing
// logic that determines which SAE plays master vs. slave for a given call.
// dec_keys rejects a caller whose slave identity cannot be resolved with an
// explicit 400 rather than guessing the locally attached SAE.
package delivery

import (
	"context"

	"github.com/qkd-kme/kme-sim/internal/config"
	"github.com/qkd-kme/kme-sim/internal/discovery"
	"github.com/qkd-kme/kme-sim/internal/keygen"
	"github.com/qkd-kme/kme-sim/internal/keystore"
	"github.com/qkd-kme/kme-sim/internal/kmeerr"
	"github.com/qkd-kme/kme-sim/internal/obslog"
	"github.com/qkd-kme/kme-sim/internal/poolclient"
)

// StatusResult is the QKD-014 status block. All size fields are in bits.
type StatusResult struct {
	SourceKMEID      string `json:"source_KME_ID"`
	TargetKMEID      string `json:"target_KME_ID"`
	MasterSAEID      string `json:"master_SAE_ID"`
	SlaveSAEID       string `json:"slave_SAE_ID"`
	KeySize          int    `json:"key_size"`
	StoredKeyCount   int    `json:"stored_key_count"`
	MaxKeyCount      int    `json:"max_key_count"`
	MaxKeyPerRequest int    `json:"max_key_per_request"`
	MaxKeySize       int    `json:"max_key_size"`
	MinKeySize       int    `json:"min_key_size"`
	MaxSAEIDCount    int    `json:"max_SAE_ID_count"`
}

// EncKeysResult wraps the keys handed to a master SAE.
type EncKeysResult struct {
	Keys []keygen.Key `json:"keys"`
}

// DecKeysResult wraps the keys returned to a slave SAE, with PartialContent
// set when fewer keys were found than were requested (HTTP 206).
type DecKeysResult struct {
	Keys           []keygen.Key `json:"keys"`
	PartialContent bool         `json:"-"`
}

// Service implements the delivery protocol over the peer directory, the
// SAE-pair key store, and the shared pool facade.
type Service struct {
	cfg        *config.Config
	scanner    *discovery.Scanner
	store      *keystore.Store
	poolClient poolclient.Client
}

// NewService constructs a delivery Service.
func NewService(cfg *config.Config, scanner *discovery.Scanner, store *keystore.Store, poolClient poolclient.Client) *Service {
	return &Service{cfg: cfg, scanner: scanner, store: store, poolClient: poolClient}
}

// Status implements status(slave_sae_id).
func (s *Service) Status(slaveSAEID string) (StatusResult, error) {
	peer, found := s.scanner.FindByAttachedSAE(slaveSAEID)
	if !found {
		return StatusResult{}, kmeerr.NewNotFound(400, "The given slave SAE ID is unknown by this KME.")
	}

	isThisSAESlave := slaveSAEID == s.cfg.AttachedSAEID
	var masterSAEID, sourceKMEID, targetKMEID string
	if isThisSAESlave {
		masterSAEID = peer.SAEID
		sourceKMEID = peer.KMEID
		targetKMEID = s.cfg.KMEID
	} else {
		masterSAEID = s.cfg.AttachedSAEID
		sourceKMEID = s.cfg.KMEID
		targetKMEID = peer.KMEID
	}

	storedCount := len(s.store.GetKeys(masterSAEID, slaveSAEID)) + len(s.store.GetKeys(slaveSAEID, masterSAEID))

	return StatusResult{
		SourceKMEID:      sourceKMEID,
		TargetKMEID:      targetKMEID,
		MasterSAEID:      masterSAEID,
		SlaveSAEID:       slaveSAEID,
		KeySize:          s.cfg.DefaultKeySizeBits(),
		StoredKeyCount:   storedCount,
		MaxKeyCount:      s.cfg.MaxKeyCount,
		MaxKeyPerRequest: s.cfg.MaxKeysPerRequest,
		MaxKeySize:       s.cfg.MaxKeySizeBits(),
		MinKeySize:       s.cfg.MinKeySizeBits(),
		MaxSAEIDCount:    0,
	}, nil
}

// EncKeys implements enc_keys(slave_sae_id, number, size_bits).
func (s *Service) EncKeys(ctx context.Context, slaveSAEID string, number, sizeBits int) (EncKeysResult, error) {
	if number <= 0 || number > s.cfg.MaxKeysPerRequest {
		return EncKeysResult{}, kmeerr.NewValidation("Number of requested keys exceed allowed max.")
	}
	if sizeBits > s.cfg.MaxKeySizeBits() {
		return EncKeysResult{}, kmeerr.NewValidation("The requested key size is too large.")
	}
	if sizeBits < s.cfg.MinKeySizeBits() {
		return EncKeysResult{}, kmeerr.NewValidation("The requested key size is too small.")
	}

	masterSAEID := s.cfg.AttachedSAEID
	if peer, found := s.scanner.FindByAttachedSAE(slaveSAEID); found {
		isThisSAESlave := slaveSAEID == s.cfg.AttachedSAEID
		if isThisSAESlave {
			masterSAEID = peer.SAEID
		}
	} else {
		obslog.Logger().Debug("enc_keys: slave SAE not discovered, using direct mode", "slave_sae_id", slaveSAEID)
	}

	stored := s.store.GetKeys(masterSAEID, slaveSAEID)
	if len(stored)+number > s.cfg.MaxKeyCount {
		return EncKeysResult{}, kmeerr.NewValidation("Too many keys would be stored.")
	}

	sizeBytes := sizeBits / 8
	keys := make([]keygen.Key, 0, number)
	for i := 0; i < number; i++ {
		key, err := s.acquireKey(ctx, slaveSAEID, sizeBytes)
		if err != nil {
			return EncKeysResult{}, err
		}
		keys = append(keys, key)
	}

	obslog.Logger().Info("enc_keys generated", "master_sae_id", masterSAEID, "slave_sae_id", slaveSAEID, "count", len(keys))
	s.store.AppendKeys(masterSAEID, slaveSAEID, keys, true)

	return EncKeysResult{Keys: keys}, nil
}

// acquireKey pulls one key from the shared pool (remove=false, reserving
// it) when the requested size matches the pool's default, or mints a
// one-off key directly otherwise. A non-default-size key is not pool-backed
// and reaches the peer only through the key-store broadcast, never through
// shared-pool lookup.
func (s *Service) acquireKey(ctx context.Context, requesterID string, sizeBytes int) (keygen.Key, error) {
	if sizeBytes != s.cfg.DefaultKeySize {
		return poolclient.GenerateOneOff(sizeBytes)
	}
	keys, err := s.poolClient.GetKeys(ctx, 1, requesterID, s.cfg.AcquireTimeout)
	if err != nil {
		return keygen.Key{}, kmeerr.NewTimeout("Timed out waiting for quantum keys.")
	}
	if len(keys) == 0 {
		return keygen.Key{}, kmeerr.NewTimeout("Timed out waiting for quantum keys.")
	}
	return keys[0], nil
}

// ResolvedSlaveIdentity is the outcome of determining the caller's SAE
// identity for dec_keys (mTLS CN in HTTPS mode, X-SAE-ID header in HTTP
// mode). The HTTP layer computes this from the request and passes it in,
// since only it has access to TLS connection state and headers.
type ResolvedSlaveIdentity struct {
	SAEID    string
	Resolved bool
}

// DecKeys implements dec_keys(master_sae_id, key_IDs). slaveIdentity must
// be resolved by the caller; an unresolved identity is rejected here with
// 400 rather than silently defaulting to the locally attached SAE. An
// empty requestedKeyIDs means "every key currently stored for this pair":
// the request defaults to the full contents of both directional buckets,
// and falls through to 404 when nothing is stored.
func (s *Service) DecKeys(ctx context.Context, masterSAEID string, slaveIdentity ResolvedSlaveIdentity, requestedKeyIDs []string) (DecKeysResult, error) {
	if !slaveIdentity.Resolved || slaveIdentity.SAEID == "" {
		return DecKeysResult{}, kmeerr.NewValidation("Unable to determine the requesting slave SAE identity.")
	}
	slaveSAEID := slaveIdentity.SAEID

	masterToSlave := s.store.GetKeys(masterSAEID, slaveSAEID)
	slaveToMaster := s.store.GetKeys(slaveSAEID, masterSAEID)
	fromMasterToSlave := make(map[string]keygen.Key, len(masterToSlave))
	for _, k := range masterToSlave {
		fromMasterToSlave[k.KeyID] = k
	}
	fromSlaveToMaster := make(map[string]keygen.Key, len(slaveToMaster))
	for _, k := range slaveToMaster {
		fromSlaveToMaster[k.KeyID] = k
	}

	if len(requestedKeyIDs) == 0 {
		for _, k := range masterToSlave {
			requestedKeyIDs = append(requestedKeyIDs, k.KeyID)
		}
		for _, k := range slaveToMaster {
			requestedKeyIDs = append(requestedKeyIDs, k.KeyID)
		}
	}

	selected := make([]keygen.Key, 0, len(requestedKeyIDs))
	var missing []string
	// removeFromMasterToSlave/removeFromSlaveToMaster track, per source
	// bucket, exactly which keys must be removed on a full match; a key
	// recovered from either bucket must only be removed from the bucket
	// that actually held it, never the other direction (a key lives in at
	// most one bucket at a time).
	var removeFromMasterToSlave, removeFromSlaveToMaster []keygen.Key
	for _, id := range requestedKeyIDs {
		if k, ok := fromMasterToSlave[id]; ok {
			selected = append(selected, k)
			removeFromMasterToSlave = append(removeFromMasterToSlave, k)
			continue
		}
		if k, ok := fromSlaveToMaster[id]; ok {
			selected = append(selected, k)
			removeFromSlaveToMaster = append(removeFromSlaveToMaster, k)
			continue
		}
		missing = append(missing, id)
	}

	// Keys recovered through the shared-pool fallback are consumed on
	// lookup (remove=true): handing one to the slave is its redemption, so
	// it must leave the pool even when the overall call ends up partial,
	// otherwise a repeat of the same partial request would deliver the
	// same key again.
	for _, id := range missing {
		key, found, err := s.poolClient.GetKeyByID(ctx, id, slaveSAEID, true)
		if err != nil {
			obslog.Logger().Warn("dec_keys: shared-pool lookup failed", "key_id", id, "error", err)
			continue
		}
		if found {
			selected = append(selected, key)
		}
	}

	if len(selected) == 0 {
		return DecKeysResult{}, kmeerr.NewNotFound(404, "None of the requested keys exist.")
	}
	if len(selected) != len(requestedKeyIDs) {
		return DecKeysResult{Keys: selected, PartialContent: true}, nil
	}

	obslog.Logger().Info("dec_keys OTP consumption", "master_sae_id", masterSAEID, "slave_sae_id", slaveSAEID, "count", len(selected))
	if len(removeFromMasterToSlave) > 0 {
		s.store.RemoveKeys(masterSAEID, slaveSAEID, removeFromMasterToSlave, true)
	}
	if len(removeFromSlaveToMaster) > 0 {
		s.store.RemoveKeys(slaveSAEID, masterSAEID, removeFromSlaveToMaster, true)
	}

	// A fully redeemed key must never be deliverable again, including via
	// the shared-pool fallback above: bucket-sourced keys are likewise
	// consumed from the pool's reserved table as part of the same OTP
	// transition (the pool-recovered ones already were, on lookup). On a
	// KME whose pool never held the key (one-off sizes, or the peer's
	// pool is the one holding the reservation) this is a not-found no-op,
	// and that peer's reservation is released by its own mark_consumed.
	for _, k := range removeFromMasterToSlave {
		if _, _, err := s.poolClient.GetKeyByID(ctx, k.KeyID, slaveSAEID, true); err != nil {
			obslog.Logger().Warn("dec_keys: releasing consumed key from pool failed", "key_id", k.KeyID, "error", err)
		}
	}
	for _, k := range removeFromSlaveToMaster {
		if _, _, err := s.poolClient.GetKeyByID(ctx, k.KeyID, slaveSAEID, true); err != nil {
			obslog.Logger().Warn("dec_keys: releasing consumed key from pool failed", "key_id", k.KeyID, "error", err)
		}
	}

	return DecKeysResult{Keys: selected}, nil
}

// MarkConsumed implements mark_consumed(key_id): explicit removal of a
// single key from the shared pool by the non-generating peer.
func (s *Service) MarkConsumed(ctx context.Context, keyID string) error {
	if keyID == "" {
		return kmeerr.NewValidation("Missing key_id")
	}
	_, found, err := s.poolClient.GetKeyByID(ctx, keyID, s.cfg.KMEID, true)
	if err != nil {
		return kmeerr.NewStorageUnavailable("Shared pool error: %v", err)
	}
	if !found {
		return kmeerr.NewNotFound(404, "Key not found or already consumed")
	}
	return nil
}
