package main

import (
	"errors"
	"image/png"
	"net/http"
	"strconv"

	"github.com/go-chi/chi"
	"github.com/go-chi/render"
	"github.com/joeycumines/go-framepipe"
	"github.com/joeycumines/go-framepipe/capture"
)

type errorResponse struct {
	ErrorType    string `json:"errorType"`
	ErrorMessage string `json:"errorMessage"`
}

type stateResponse struct {
	State  string `json:"state"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

type statsResponse struct {
	Pipeline framepipe.PipelineStats `json:"pipeline"`
	Pool     capture.PoolStats       `json:"pool"`
	Presents uint64                  `json:"presents"`
	Produced uint64                  `json:"produced"`
}

func (d *demo) router() *chi.Mux {
	r := chi.NewRouter()
	r.Get("/stats", d.handleStats)
	r.Get("/state", d.handleState)
	r.Get("/snapshot.png", d.handleSnapshot)
	r.Post("/attach", d.handleAttach)
	r.Post("/detach", d.handleDetach)
	r.Post("/resize", d.handleResize)
	return r
}

func (d *demo) handleStats(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, &statsResponse{
		Pipeline: d.pipeline.Stats(),
		Pool:     d.pool.Stats(),
		Presents: d.window.Presents(),
		Produced: d.source.Produced(),
	})
}

func (d *demo) handleState(w http.ResponseWriter, r *http.Request) {
	state, err := d.pipeline.State()
	if err != nil {
		renderError(w, r, http.StatusServiceUnavailable, "State.Unavailable", err)
		return
	}
	width, height, err := d.pipeline.Size()
	if err != nil {
		renderError(w, r, http.StatusServiceUnavailable, "State.Unavailable", err)
		return
	}
	render.JSON(w, r, &stateResponse{State: state.String(), Width: width, Height: height})
}

func (d *demo) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "image/png")
	if err := png.Encode(w, d.window.Snapshot()); err != nil {
		d.logger.Warning().Err(err).Log("snapshot encode failed")
	}
}

func (d *demo) handleAttach(w http.ResponseWriter, r *http.Request) {
	width, height, err := sizeParams(r, d.opts.Width, d.opts.Height)
	if err != nil {
		renderError(w, r, http.StatusBadRequest, "Request.Invalid", err)
		return
	}
	if err := d.pipeline.Attach(d.window, width, height); err != nil {
		status, errorType := http.StatusInternalServerError, "Attach.Failed"
		var serr *framepipe.SetupError
		switch {
		case errors.Is(err, framepipe.ErrInvalidTransition):
			status, errorType = http.StatusConflict, "Attach.InvalidState"
		case errors.As(err, &serr):
			status, errorType = http.StatusBadGateway, "Attach.SetupFailure"
		}
		renderError(w, r, status, errorType, err)
		return
	}
	d.handleState(w, r)
}

func (d *demo) handleDetach(w http.ResponseWriter, r *http.Request) {
	if err := d.pipeline.Detach(); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, framepipe.ErrInvalidTransition) {
			status = http.StatusConflict
		}
		renderError(w, r, status, "Detach.Failed", err)
		return
	}
	d.handleState(w, r)
}

func (d *demo) handleResize(w http.ResponseWriter, r *http.Request) {
	width, height, err := sizeParams(r, 0, 0)
	if err != nil || width <= 0 || height <= 0 {
		if err == nil {
			err = errors.New("width and height must be positive")
		}
		renderError(w, r, http.StatusBadRequest, "Request.Invalid", err)
		return
	}
	d.pipeline.Resize(width, height)
	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, &stateResponse{State: "resize requested", Width: width, Height: height})
}

func sizeParams(r *http.Request, defaultWidth, defaultHeight int) (width, height int, err error) {
	width, height = defaultWidth, defaultHeight
	q := r.URL.Query()
	if v := q.Get("width"); v != "" {
		if width, err = strconv.Atoi(v); err != nil {
			return 0, 0, err
		}
	}
	if v := q.Get("height"); v != "" {
		if height, err = strconv.Atoi(v); err != nil {
			return 0, 0, err
		}
	}
	return width, height, nil
}

func renderError(w http.ResponseWriter, r *http.Request, status int, errorType string, err error) {
	render.Status(r, status)
	render.JSON(w, r, &errorResponse{
		ErrorType:    errorType,
		ErrorMessage: err.Error(),
	})
}
