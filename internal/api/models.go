package api

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/inspectd/inspectd/internal/domain"
	"github.com/inspectd/inspectd/internal/infra/registry"
)

// ─── Models API ─────────────────────────────────────────────────────────────
//
// GET    /models         registry snapshot: item → {selector → locator}
// GET    /models/loaded  cached inference handles
// POST   /models/unload  release every cached handle
// PUT    /models/{item}  install artifacts (<kind>_bin, <kind>_xml)
// DELETE /models/{item}  delete the item
//
// Install and delete release every handle and keep loads blocked until the
// files have changed.

// handleListModels returns a fresh registry scan.
func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.Discover())
}

// handleLoadedModels lists the (item, kind) pairs currently held.
func (s *Server) handleLoadedModels(w http.ResponseWriter, r *http.Request) {
	keys := s.cache.Keys()
	out := make([]map[string]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, map[string]string{
			"item": k.Item,
			"kind": string(k.Kind),
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"loaded": out,
	})
}

// handleUnload releases every cached inference handle so model files can be
// replaced or deleted.
func (s *Server) handleUnload(w http.ResponseWriter, r *http.Request) {
	if err := s.cache.InvalidateAll(); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "unloaded",
	})
}

// handleInstallModel writes uploaded artifacts for an item.
func (s *Server) handleInstallModel(w http.ResponseWriter, r *http.Request) {
	item := chi.URLParam(r, "item")
	if err := registry.ValidateItemName(item); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.parseMultipart(w, r); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	artifacts, closeAll, err := formArtifacts(r.MultipartForm)
	defer closeAll()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var desc domain.Descriptor
	err = s.cache.InvalidateDuring(func() error {
		var ierr error
		desc, ierr = s.registry.Install(item, artifacts)
		return ierr
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.log.WithField("item", item).Info("models installed")
	writeJSON(w, http.StatusCreated, map[string]domain.Descriptor{item: desc})
}

// handleDeleteModel releases handles, then removes the item directory. Loads
// stay blocked until the directory is gone.
func (s *Server) handleDeleteModel(w http.ResponseWriter, r *http.Request) {
	item := chi.URLParam(r, "item")
	if err := registry.ValidateItemName(item); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !s.registry.HasItem(item) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("item %q not available", item))
		return
	}

	err := s.cache.InvalidateDuring(func() error {
		return s.registry.Remove(item)
	})
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.writeDomainError(w, r, err)
		return
	}
	s.log.WithField("item", item).Info("models removed")
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "deleted",
		"item":   item,
	})
}

// formArtifacts opens <kind>_bin / <kind>_xml parts. The returned func closes
// every opened part and is safe to call on error.
func formArtifacts(form *multipart.Form) (map[domain.ModelKind]registry.Artifact, func(), error) {
	var opened []io.Closer
	closeAll := func() {
		for _, c := range opened {
			c.Close()
		}
	}

	artifacts := make(map[domain.ModelKind]registry.Artifact)
	for _, kind := range domain.BaseKinds() {
		binFields := form.File[string(kind)+"_bin"]
		xmlFields := form.File[string(kind)+"_xml"]
		if len(binFields) == 0 && len(xmlFields) == 0 {
			continue
		}
		if len(binFields) == 0 || len(xmlFields) == 0 {
			return nil, closeAll, fmt.Errorf("%s needs both %s_bin and %s_xml", kind, kind, kind)
		}
		bin, err := binFields[0].Open()
		if err != nil {
			return nil, closeAll, err
		}
		opened = append(opened, bin)
		xml, err := xmlFields[0].Open()
		if err != nil {
			return nil, closeAll, err
		}
		opened = append(opened, xml)
		artifacts[kind] = registry.Artifact{Weights: bin, Descriptor: xml}
	}
	if len(artifacts) == 0 {
		return nil, closeAll, errors.New("no model files uploaded")
	}
	return artifacts, closeAll, nil
}
