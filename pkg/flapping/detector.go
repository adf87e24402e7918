// Package flapping implements C2: detecting a site that keeps re-entering
// incident handling within a short window, putting it into a cooldown, and
// flagging it for escalation until Reset clears the flag. Built directly on the
// go-redis client shared with the KV store (sorted-set per site, score =
// incident timestamp) so an incident count and its window trim are a single
// round trip.
package flapping

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wp-autoheal/orchestrator/pkg/kv"
)

// Detector tracks per-site incident-open events within a sliding window and
// declares a site "flapping" once it exceeds IncidentThreshold occurrences
// inside WindowDuration, entering a CooldownDuration. An escalation flag set
// on the way stays in place after the cooldown ends, until Reset.
type Detector struct {
	client              *kv.Client
	windowDuration      time.Duration
	incidentThreshold   int
	cooldownDuration    time.Duration
	escalationThreshold int
}

// New builds a Detector against client using the given window/threshold/
// cooldown parameters (typically sourced from config.FlappingConfig).
// escalationThreshold is the per-window incident count at which a flapping
// site is additionally flagged for operator escalation (§4.2); 0 disables
// escalation flagging.
func New(client *kv.Client, windowDuration time.Duration, incidentThreshold int, cooldownDuration time.Duration, escalationThreshold int) *Detector {
	return &Detector{
		client:              client,
		windowDuration:      windowDuration,
		incidentThreshold:   incidentThreshold,
		cooldownDuration:    cooldownDuration,
		escalationThreshold: escalationThreshold,
	}
}

func incidentsKey(siteID string) string {
	return fmt.Sprintf("flapping:incidents:%s", siteID)
}

func cooldownKey(siteID string) string {
	return fmt.Sprintf("flapping:cooldown:%s", siteID)
}

func escalateKey(siteID string) string {
	return fmt.Sprintf("flapping:escalate:%s", siteID)
}

// Decision is the outcome of evaluating a site's incident-open event:
// whether it is flapping, and whether that crossed the stickier escalation
// threshold.
type Decision struct {
	Flapping       bool
	ShouldEscalate bool
}

// RecordIncident registers a new incident-open event for siteID at now and
// reports whether the site is now (or still) flapping. Once a site crosses
// the threshold it is written into cooldown, and IsFlapping for it returns
// true until the cooldown key expires, regardless of fresh incident volume.
//
// If Redis is unavailable, RecordIncident degrades to "not flapping" rather
// than blocking incident processing — a site that looks calm because its
// history was lost is safer than one stuck thinking it's always flapping.
func (d *Detector) RecordIncident(ctx context.Context, siteID string, now time.Time) (Decision, error) {
	if err := d.client.EnsureConnection(ctx); err != nil {
		return Decision{}, nil
	}

	rdb := d.client.GetClient()
	key := incidentsKey(siteID)

	// Trim expired members and read the pre-existing count before adding
	// this incident: the threshold decision for *this* attempt is made
	// against the window's count before it, so the (threshold+1)th incident
	// is the one denied, not the threshold-th (§4.2). The new member is
	// still added unconditionally afterward so the window keeps accumulating
	// while a site is flapping, letting a sustained run of incidents cross
	// the (higher) escalation threshold instead of freezing at the first.
	member := fmt.Sprintf("%d-%s", now.UnixNano(), siteID)
	pipe := rdb.TxPipeline()
	cutoff := now.Add(-d.windowDuration).UnixNano()
	pipe.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("(%d", cutoff))
	countCmd := pipe.ZCard(ctx, key)
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixNano()), Member: member})
	pipe.Expire(ctx, key, d.windowDuration)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, fmt.Errorf("failed to record incident: %w", err)
	}

	preCount := countCmd.Val()
	if preCount >= int64(d.incidentThreshold) {
		if err := rdb.Set(ctx, cooldownKey(siteID), "1", d.cooldownDuration).Err(); err != nil {
			return Decision{}, fmt.Errorf("failed to enter cooldown: %w", err)
		}
		if d.escalationThreshold > 0 && preCount >= int64(d.escalationThreshold) {
			if err := rdb.Set(ctx, escalateKey(siteID), "1", 0).Err(); err != nil {
				return Decision{}, fmt.Errorf("failed to mark escalation: %w", err)
			}
		}
	}

	// The returned decision always reflects the sticky cooldown/escalation
	// markers rather than just this call's threshold comparison, so a site
	// already in cooldown keeps reporting flapping even on a call whose own
	// preCount happened to dip below threshold (e.g. after window trim).
	flapping, err := d.IsFlapping(ctx, siteID)
	if err != nil {
		return Decision{}, err
	}
	escalate, err := d.ShouldEscalate(ctx, siteID)
	if err != nil {
		return Decision{}, err
	}
	return Decision{Flapping: flapping, ShouldEscalate: escalate}, nil
}

// ShouldEscalate reports whether siteID has crossed the escalation threshold
// since its last Reset — a sticky flag that outlives the cooldown and is
// cleared only by Reset, per §4.2.
func (d *Detector) ShouldEscalate(ctx context.Context, siteID string) (bool, error) {
	if err := d.client.EnsureConnection(ctx); err != nil {
		return false, nil
	}
	exists, err := d.client.GetClient().Exists(ctx, escalateKey(siteID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check escalation marker: %w", err)
	}
	return exists > 0, nil
}

// IsFlapping reports whether siteID is currently within its cooldown
// window, independent of fresh incident volume (escalation stickiness).
func (d *Detector) IsFlapping(ctx context.Context, siteID string) (bool, error) {
	if err := d.client.EnsureConnection(ctx); err != nil {
		return false, nil
	}

	exists, err := d.client.GetClient().Exists(ctx, cooldownKey(siteID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check cooldown: %w", err)
	}
	return exists > 0, nil
}

// RecordResolution applies §4.2's "mild forgiveness policy": a successful
// resolution while the site is not currently flapping removes one incident
// from its window count, floored at zero. Failed resolutions and
// resolutions of an already-flapping site are no-ops.
func (d *Detector) RecordResolution(ctx context.Context, siteID string, successful bool) error {
	if !successful {
		return nil
	}
	if err := d.client.EnsureConnection(ctx); err != nil {
		return nil
	}

	flapping, err := d.IsFlapping(ctx, siteID)
	if err != nil {
		return err
	}
	if flapping {
		return nil
	}

	if err := d.client.GetClient().ZPopMin(ctx, incidentsKey(siteID), 1).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("failed to record resolution: %w", err)
	}
	return nil
}

// CooldownDuration returns the configured cooldown window, used by the
// control-plane API to compute cooldownUntil for a flapping denial response.
func (d *Detector) CooldownDuration() time.Duration {
	return d.cooldownDuration
}

// Reset clears siteID's incident history and any active cooldown, used
// after an operator manually resolves a flapping site.
func (d *Detector) Reset(ctx context.Context, siteID string) error {
	if err := d.client.EnsureConnection(ctx); err != nil {
		return fmt.Errorf("redis connection failed: %w", err)
	}
	return d.client.GetClient().Del(ctx, incidentsKey(siteID), cooldownKey(siteID), escalateKey(siteID)).Err()
}
