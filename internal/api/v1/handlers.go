package apiv1

import (
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/subflowhq/subflow/app/repository"
	"github.com/subflowhq/subflow/internal/pkg/chaincfg"
	"github.com/subflowhq/subflow/internal/pkg/executor"
)

// APIServer serves the operational read API: chain status, policy and charge
// lookups. All state mutation happens through the indexer and executor.
type APIServer struct {
	chains []chaincfg.ChainConfig
}

// NewAPIServer creates a new API server instance
func NewAPIServer(chains []chaincfg.ChainConfig) *APIServer {
	return &APIServer{chains: chains}
}

// RegisterHandlers attaches the v1 routes to a router group.
func RegisterHandlers(r fiber.Router, s *APIServer) {
	r.Get("/status", s.GetStatus)
	r.Get("/policies", s.ListPolicies)
	r.Get("/policies/:chainID/:policyID", s.GetPolicy)
	r.Get("/policies/:chainID/:policyID/charges", s.ListPolicyCharges)
	r.Get("/webhooks/pending", s.GetWebhookBacklog)
}

// ChainStatus is one chain's entry in the status response
type ChainStatus struct {
	Name             string `json:"name"`
	ChainID          uint64 `json:"chain_id"`
	LastIndexedBlock uint64 `json:"last_indexed_block"`
	DuePolicies      int64  `json:"due_policies"`
	EventsIndexed    int64  `json:"events_indexed"`
	ChargesSucceeded int64  `json:"charges_succeeded"`
}

// GetStatus reports per-chain indexing progress and charge backlog.
func (s *APIServer) GetStatus(c *fiber.Ctx) error {
	repos := repository.GetGlobalRepositories()
	now := time.Now().UTC()

	statuses := make([]ChainStatus, 0, len(s.chains))
	for _, chain := range s.chains {
		status := ChainStatus{Name: chain.Name, ChainID: chain.ChainID}

		if state, err := repos.IndexerState.Get(chain.ChainID); err == nil {
			status.LastIndexedBlock = state.LastIndexedBlock
		}
		if due, err := repos.Policy.CountDue(chain.ChainID, now, executor.DefaultMaxConsecutiveFailures); err == nil {
			status.DuePolicies = due
		}
		if stats, err := repos.Stats.Get(chain.ChainID); err == nil {
			status.EventsIndexed = stats.EventsIndexed
			status.ChargesSucceeded = stats.ChargesSucceeded
		}
		statuses = append(statuses, status)
	}

	return c.JSON(fiber.Map{"chains": statuses, "time": now})
}

// ListPolicies returns a page of mirrored policies, optionally filtered.
func (s *APIServer) ListPolicies(c *fiber.Ctx) error {
	repos := repository.GetGlobalRepositories()

	chainID, err := strconv.ParseUint(c.Query("chain_id", "0"), 10, 64)
	if err != nil {
		return badRequest(c, "chain_id must be numeric")
	}
	limit := c.QueryInt("limit", 50)
	if limit < 1 || limit > 500 {
		limit = 50
	}
	offset := c.QueryInt("offset", 0)
	activeOnly := c.QueryBool("active", false)

	policies, err := repos.Policy.List(chainID, c.Query("merchant"), c.Query("payer"), activeOnly, offset, limit)
	if err != nil {
		return internalError(c, err)
	}
	return c.JSON(fiber.Map{"policies": policies, "count": len(policies)})
}

// GetPolicy returns one policy by chain and id.
func (s *APIServer) GetPolicy(c *fiber.Ctx) error {
	chainID, policyID, err := policyParams(c)
	if err != nil {
		return badRequest(c, err.Error())
	}

	policy, err := repository.GetGlobalRepositories().Policy.GetByID(chainID, policyID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return notFound(c)
		}
		return internalError(c, err)
	}
	return c.JSON(policy)
}

// ListPolicyCharges returns the charge attempt history for a policy.
func (s *APIServer) ListPolicyCharges(c *fiber.Ctx) error {
	chainID, policyID, err := policyParams(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	limit := c.QueryInt("limit", 100)
	if limit < 1 || limit > 500 {
		limit = 100
	}

	charges, err := repository.GetGlobalRepositories().Charge.ListByPolicy(chainID, policyID, limit)
	if err != nil {
		return internalError(c, err)
	}
	return c.JSON(fiber.Map{"charges": charges, "count": len(charges)})
}

// GetWebhookBacklog reports the undelivered outbox size.
func (s *APIServer) GetWebhookBacklog(c *fiber.Ctx) error {
	pending, err := repository.GetGlobalRepositories().Webhook.CountPending()
	if err != nil {
		return internalError(c, err)
	}
	return c.JSON(fiber.Map{"pending": pending})
}

func policyParams(c *fiber.Ctx) (uint64, string, error) {
	chainID, err := strconv.ParseUint(c.Params("chainID"), 10, 64)
	if err != nil {
		return 0, "", errors.New("chainID must be numeric")
	}
	policyID := c.Params("policyID")
	if policyID == "" {
		return 0, "", errors.New("policyID missing")
	}
	return chainID, policyID, nil
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": msg})
}

func notFound(c *fiber.Ctx) error {
	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found"})
}

func internalError(c *fiber.Ctx, err error) error {
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal", "message": err.Error()})
}
