package api

import (
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/CommandOSSLabs/personal-data-wallet-sub016/pkg/blobstore"
	"github.com/CommandOSSLabs/personal-data-wallet-sub016/pkg/types"
)

// AddVectorRequest is the body of POST /v1/users/:user/vectors
type AddVectorRequest struct {
	ID       *uint64        `json:"id"`
	Vector   []float32      `json:"vector"`
	Metadata types.Metadata `json:"metadata,omitempty"`
}

// SearchRequest is the body of POST /v1/users/:user/search
type SearchRequest struct {
	Vector   []float32      `json:"vector"`
	K        int            `json:"k"`
	EfSearch int            `json:"ef_search,omitempty"`
	Filters  []types.Filter `json:"filters,omitempty"`
}

// LoadRequest is the body of POST /v1/users/:user/load
type LoadRequest struct {
	BlobRef string `json:"blob_ref"`
}

// StatusResponse acknowledges a mutation
type StatusResponse struct {
	Status string `json:"status"`
	User   string `json:"user"`
	ID     uint64 `json:"id,omitempty"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error     bool   `json:"error"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

func userParam(c *fiber.Ctx) (string, error) {
	user := strings.TrimSpace(c.Params("user"))
	if user == "" {
		return "", fiber.NewError(fiber.StatusBadRequest, "user is required")
	}
	return user, nil
}

func (s *Server) addVector(c *fiber.Ctx) error {
	user, err := userParam(c)
	if err != nil {
		return err
	}
	var req AddVectorRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body: "+err.Error())
	}
	if req.ID == nil {
		return fiber.NewError(fiber.StatusBadRequest, "id is required")
	}

	if err := s.cache.AddVector(c.UserContext(), user, *req.ID, req.Vector, req.Metadata); err != nil {
		return err
	}
	s.log.Debug("vector queued", zap.String("user", user), zap.Uint64("vector_id", *req.ID))
	return c.Status(fiber.StatusAccepted).JSON(StatusResponse{Status: "queued", User: user, ID: *req.ID})
}

func (s *Server) removeVector(c *fiber.Ctx) error {
	user, err := userParam(c)
	if err != nil {
		return err
	}
	id, err := strconv.ParseUint(c.Params("id"), 10, 64)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid vector id")
	}

	if err := s.cache.RemoveVector(c.UserContext(), user, id); err != nil {
		return err
	}
	return c.JSON(StatusResponse{Status: "removed", User: user, ID: id})
}

func (s *Server) search(c *fiber.Ctx) error {
	user, err := userParam(c)
	if err != nil {
		return err
	}
	var req SearchRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body: "+err.Error())
	}
	filter, err := types.CompileFilters(req.Filters)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	res, err := s.cache.Search(c.UserContext(), user, req.Vector, types.SearchOptions{
		K:        req.K,
		EfSearch: req.EfSearch,
		Filter:   filter,
	})
	if err != nil {
		return err
	}
	return c.JSON(res)
}

func (s *Server) flush(c *fiber.Ctx) error {
	user, err := userParam(c)
	if err != nil {
		return err
	}
	res, err := s.cache.ForceFlush(c.UserContext(), user)
	if err != nil {
		return err
	}
	return c.JSON(res)
}

func (s *Server) load(c *fiber.Ctx) error {
	user, err := userParam(c)
	if err != nil {
		return err
	}
	var req LoadRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body: "+err.Error())
	}
	if req.BlobRef == "" {
		return fiber.NewError(fiber.StatusBadRequest, "blob_ref is required")
	}

	if err := s.cache.LoadUserIndex(c.UserContext(), user, blobstore.Ref(req.BlobRef)); err != nil {
		return err
	}
	us, _ := s.cache.UserStats(user)
	return c.JSON(us)
}

func (s *Server) clearUser(c *fiber.Ctx) error {
	user, err := userParam(c)
	if err != nil {
		return err
	}
	s.cache.ClearUserIndex(user)
	return c.JSON(StatusResponse{Status: "cleared", User: user})
}

func (s *Server) userStats(c *fiber.Ctx) error {
	user, err := userParam(c)
	if err != nil {
		return err
	}
	us, ok := s.cache.UserStats(user)
	if !ok {
		return fiber.NewError(fiber.StatusNotFound, "user "+user+" is not cached")
	}
	return c.JSON(us)
}

func (s *Server) cacheStats(c *fiber.Ctx) error {
	return c.JSON(s.cache.GetCacheStats())
}
