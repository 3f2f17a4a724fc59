package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/sbl8/superablate/contour"
	"github.com/sbl8/superablate/core"
	"github.com/sbl8/superablate/geometry"
	"github.com/sbl8/superablate/runtime"
	"github.com/sbl8/superablate/superalg"
)

// Rows is the wire form of a matrix: a list of equal-length rows.
type Rows [][]float32

func (r Rows) matrix(name string) (*core.Matrix, error) {
	m, err := core.FromRows(r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return m, nil
}

func (r Rows) optional(name string) (*core.Matrix, error) {
	if r == nil {
		return nil, nil
	}
	return r.matrix(name)
}

type BerezinianRequest struct {
	Matrix         Rows   `json:"matrix" binding:"required"`
	SuperStructure string `json:"super_structure" binding:"omitempty,oneof=even odd"`
}

type BerezinianResponse struct {
	Value float32 `json:"value"`
}

func (s *Server) handleBerezinian(c *gin.Context) {
	var req BerezinianRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	s.run(c, "berezinian", func(context.Context) (any, error) {
		m, err := req.Matrix.matrix("matrix")
		if err != nil {
			return nil, err
		}
		v, err := superalg.Berezinian(m, req.SuperStructure != runtime.OddStructure)
		if err != nil {
			return nil, err
		}
		return BerezinianResponse{Value: v}, nil
	})
}

type ContourRequest struct {
	Batch         Rows `json:"batch" binding:"required"`
	NEigenvectors int  `json:"n_eigenvectors"`
	Resolution    int  `json:"resolution"`
	Weighted      bool `json:"weighted"`
}

type ContourResponse struct {
	Points      Rows      `json:"points"`
	Tangents    Rows      `json:"tangents"`
	Eigenvalues []float32 `json:"eigenvalues"`
	Weights     []float32 `json:"weights,omitempty"`
}

func (s *Server) handleContour(c *gin.Context) {
	var req ContourRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	s.run(c, "contour", func(context.Context) (any, error) {
		batch, err := req.Batch.matrix("batch")
		if err != nil {
			return nil, err
		}
		opts := s.controller.Options()
		if req.NEigenvectors == 0 {
			req.NEigenvectors = min(opts.NEigenvectors, batch.Cols)
		}
		if req.Resolution == 0 {
			req.Resolution = opts.Resolution
		}
		path, err := contour.Generate(batch, req.NEigenvectors, req.Resolution, req.Weighted)
		if err != nil {
			return nil, err
		}
		resp := ContourResponse{
			Points:      path.Points.ToRows(),
			Tangents:    path.Tangents.ToRows(),
			Eigenvalues: path.Eigenvalues,
		}
		if batch.Cols%2 == 0 {
			if resp.Weights, err = contour.BerezinianWeights(path.Points, opts.Even()); err != nil {
				return nil, err
			}
		}
		return resp, nil
	})
}

type IntegralRequest struct {
	Field    Rows      `json:"field" binding:"required"`
	Path     Rows      `json:"path" binding:"required"`
	Tangents Rows      `json:"tangents"`
	Weights  []float32 `json:"weights"`
	Method   string    `json:"method"`
}

type ValuesResponse struct {
	Values []float32 `json:"values"`
}

func (s *Server) handleIntegral(c *gin.Context) {
	var req IntegralRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	s.run(c, "integral", func(context.Context) (any, error) {
		rule, err := contour.ParseQuadrature(req.Method)
		if err != nil {
			return nil, err
		}
		field, err := req.Field.matrix("field")
		if err != nil {
			return nil, err
		}
		path, err := req.Path.matrix("path")
		if err != nil {
			return nil, err
		}
		tangents, err := req.Tangents.optional("tangents")
		if err != nil {
			return nil, err
		}
		var values []float32
		if req.Weights == nil {
			values, err = contour.Integral(field, path, tangents, rule)
		} else {
			values, err = contour.WeightedIntegral(field, path, req.Weights, tangents, rule)
		}
		if err != nil {
			return nil, err
		}
		return ValuesResponse{Values: values}, nil
	})
}

type TransformRequest struct {
	Tensor   Rows    `json:"tensor" binding:"required"`
	Strength float32 `json:"strength"`
}

type TensorResponse struct {
	Tensor Rows `json:"tensor"`
}

func (s *Server) handleTransform(c *gin.Context) {
	var req TransformRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	s.run(c, "transform", func(context.Context) (any, error) {
		t, err := req.Tensor.matrix("tensor")
		if err != nil {
			return nil, err
		}
		out, err := s.controller.UnifiedTransform(t, req.Strength)
		if err != nil {
			return nil, err
		}
		return TensorResponse{Tensor: out.ToRows()}, nil
	})
}

type LayerResponse struct {
	Layer     int  `json:"layer"`
	Attention Rows `json:"attention"`
	MLP       Rows `json:"mlp"`
}

func layerParam(c *gin.Context) (int, error) {
	layer, err := strconv.Atoi(c.Param("layer"))
	if err != nil {
		return 0, fmt.Errorf("layer %q is not an index: %w", c.Param("layer"), core.ErrConfiguration)
	}
	return layer, nil
}

func (s *Server) handleGetLayer(c *gin.Context) {
	s.run(c, "layer", func(context.Context) (any, error) {
		layer, err := layerParam(c)
		if err != nil {
			return nil, err
		}
		attn, mlp, err := s.controller.Layer(layer)
		if err != nil {
			return nil, err
		}
		return LayerResponse{Layer: layer, Attention: attn.ToRows(), MLP: mlp.ToRows()}, nil
	})
}

// partFlags selects both sub-matrices unless the caller names them.
type partFlags struct {
	Attention *bool `json:"attention"`
	MLP       *bool `json:"mlp"`
}

func (p partFlags) resolve() (attn, mlp bool) {
	attn, mlp = true, true
	if p.Attention != nil {
		attn = *p.Attention
	}
	if p.MLP != nil {
		mlp = *p.MLP
	}
	return attn, mlp
}

type ModifyLayerRequest struct {
	Pattern  []float32 `json:"pattern" binding:"required"`
	Strength float32   `json:"strength"`
	partFlags
}

func (s *Server) handleModifyLayer(c *gin.Context) {
	var req ModifyLayerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	s.run(c, "modify_layer", func(context.Context) (any, error) {
		layer, err := layerParam(c)
		if err != nil {
			return nil, err
		}
		attn, mlp := req.resolve()
		return s.controller.ModifyLayer(layer, req.Pattern, req.Strength, attn, mlp)
	})
}

type ModifyRequest struct {
	Layers   []int   `json:"layers"`
	Strength float32 `json:"strength"`
	partFlags
}

type EditsResponse struct {
	Edits []runtime.Edit `json:"edits"`
}

func (s *Server) handleModify(c *gin.Context) {
	var req ModifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	s.run(c, "modify", func(context.Context) (any, error) {
		attn, mlp := req.resolve()
		edits, err := s.controller.ApplyUnifiedModification(req.Layers, req.Strength, attn, mlp)
		if err != nil {
			return nil, err
		}
		return EditsResponse{Edits: edits}, nil
	})
}

type CacheRequest struct {
	Batch Rows `json:"batch" binding:"required"`
}

type KeysResponse struct {
	Keys []string `json:"keys"`
}

func (s *Server) handleCacheActivation(c *gin.Context) {
	var req CacheRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	s.run(c, "cache_activation", func(context.Context) (any, error) {
		batch, err := req.Batch.matrix("batch")
		if err != nil {
			return nil, err
		}
		if err := s.controller.CacheActivation(c.Param("key"), batch); err != nil {
			return nil, err
		}
		return KeysResponse{Keys: s.controller.CacheKeys()}, nil
	})
}

func (s *Server) handleCacheKeys(c *gin.Context) {
	c.JSON(http.StatusOK, KeysResponse{Keys: s.controller.CacheKeys()})
}

func (s *Server) handleClearCache(c *gin.Context) {
	s.run(c, "clear_cache", func(context.Context) (any, error) {
		s.controller.ClearCache()
		return nil, nil
	})
}

// DetectRequest scores the given cache, or the controller's own when Cache
// is nil. A non-empty Mode ("strongest" or "all") selects contour detection.
type DetectRequest struct {
	Threshold float32         `json:"threshold"`
	Mode      string          `json:"mode"`
	Cache     map[string]Rows `json:"cache"`
}

type DetectResponse struct {
	Scores map[string][]float32 `json:"scores"`
}

func (s *Server) handleDetect(c *gin.Context) {
	var req DetectRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, err)
		return
	}
	s.run(c, "detect", func(context.Context) (any, error) {
		var cache map[string]*core.Matrix
		if req.Cache != nil {
			cache = make(map[string]*core.Matrix, len(req.Cache))
			for key, rows := range req.Cache {
				m, err := rows.matrix(key)
				if err != nil {
					return nil, err
				}
				cache[key] = m
			}
		}
		var (
			scores map[string][]float32
			err    error
		)
		if req.Mode == "" {
			scores, err = s.controller.DetectPatterns(cache, req.Threshold)
		} else {
			mode, perr := runtime.ParseDetectionMode(req.Mode)
			if perr != nil {
				return nil, perr
			}
			scores, err = s.controller.DetectContourPatterns(cache, req.Threshold, mode)
		}
		if err != nil {
			return nil, err
		}
		return DetectResponse{Scores: scores}, nil
	})
}

func (s *Server) handleReset(c *gin.Context) {
	s.run(c, "reset", func(context.Context) (any, error) {
		return nil, s.controller.Reset()
	})
}

type StatsResponse struct {
	Transforms    int64                 `json:"transforms"`
	Edits         int64                 `json:"edits"`
	Resets        int64                 `json:"resets"`
	LastLatencyMS float64               `json:"last_latency_ms"`
	Layers        int                   `json:"layers"`
	Options       runtime.Options       `json:"options"`
	Snapshot      runtime.SnapshotUsage `json:"snapshot"`
}

func (s *Server) handleStats(c *gin.Context) {
	stats := s.controller.Stats()
	c.JSON(http.StatusOK, StatsResponse{
		Transforms:    stats.Transforms,
		Edits:         stats.Edits,
		Resets:        stats.Resets,
		LastLatencyMS: float64(stats.LastLatency.Microseconds()) / 1000,
		Layers:        s.controller.NumLayers(),
		Options:       s.controller.Options(),
		Snapshot:      stats.Snapshot,
	})
}

func (s *Server) handleDownloadState(c *gin.Context) {
	var buf bytes.Buffer
	if err := s.controller.SaveState(&buf); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/octet-stream", buf.Bytes())
}

func (s *Server) handleUploadState(c *gin.Context) {
	s.run(c, "load_state", func(context.Context) (any, error) {
		return nil, s.controller.LoadState(c.Request.Body)
	})
}

func (s *Server) handleListStates(c *gin.Context) {
	s.run(c, "list_states", func(context.Context) (any, error) {
		if s.store == nil {
			return nil, errNoStore
		}
		entries, err := s.store.List()
		if err != nil {
			return nil, err
		}
		return gin.H{"states": entries}, nil
	})
}

func (s *Server) handleSaveState(c *gin.Context) {
	s.run(c, "save_state", func(context.Context) (any, error) {
		if s.store == nil {
			return nil, errNoStore
		}
		return nil, s.store.Save(c.Param("name"), s.controller)
	})
}

func (s *Server) handleLoadState(c *gin.Context) {
	s.run(c, "restore_state", func(context.Context) (any, error) {
		if s.store == nil {
			return nil, errNoStore
		}
		return nil, s.store.Restore(c.Param("name"), s.controller)
	})
}

func (s *Server) handleDeleteState(c *gin.Context) {
	s.run(c, "delete_state", func(context.Context) (any, error) {
		if s.store == nil {
			return nil, errNoStore
		}
		return nil, s.store.Delete(c.Param("name"))
	})
}

type ContourAblationRequest struct {
	Direction []float32 `json:"direction" binding:"required"`
	Strength  float32   `json:"strength"`
	Layers    []int     `json:"layers"`
}

func (s *Server) handleContourAblation(c *gin.Context) {
	var req ContourAblationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	s.run(c, "ablate_contour", func(context.Context) (any, error) {
		return nil, s.controller.ApplyContourAblation(req.Direction, req.Strength, req.Layers)
	})
}

type EnhanceRequest struct {
	Target   []float32 `json:"target" binding:"required"`
	Strength float32   `json:"strength"`
}

func (s *Server) handleEnhance(c *gin.Context) {
	var req EnhanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	s.run(c, "enhance", func(context.Context) (any, error) {
		edits, err := s.controller.EnhanceActivation(req.Target, req.Strength)
		if err != nil {
			return nil, err
		}
		return EditsResponse{Edits: edits}, nil
	})
}

type BerezinianAblationRequest struct {
	Directions runtime.Directions `json:"directions" binding:"required"`
	Layers     []int              `json:"layers"`
	partFlags
}

func (s *Server) handleBerezinianAblation(c *gin.Context) {
	var req BerezinianAblationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	s.run(c, "ablate_berezinian", func(context.Context) (any, error) {
		attn, mlp := req.resolve()
		return nil, s.controller.ApplyBerezinianAblation(req.Directions, req.Layers, attn, mlp)
	})
}

type GeometricAblationRequest struct {
	Directions runtime.Directions `json:"directions" binding:"required"`
	Layers     []int              `json:"layers"`
	Strength   float32            `json:"strength"`
}

func (s *Server) handleGeometricAblation(c *gin.Context) {
	var req GeometricAblationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	s.run(c, "ablate_geometric", func(context.Context) (any, error) {
		return nil, s.controller.ApplyGeometricAblation(req.Directions, req.Layers, req.Strength)
	})
}

type ScoresRequest struct {
	Directions runtime.Directions `json:"directions" binding:"required"`
}

type ScoresResponse struct {
	Scores map[string]geometry.Score `json:"scores"`
}

func (s *Server) handleScores(c *gin.Context) {
	var req ScoresRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	s.run(c, "scores", func(context.Context) (any, error) {
		scores, err := s.controller.GeometricScores(req.Directions)
		if err != nil {
			return nil, err
		}
		return ScoresResponse{Scores: scores}, nil
	})
}
