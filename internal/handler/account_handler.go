package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"job-app-tracker-go/internal/model"
	"job-app-tracker-go/internal/repository"
)

// Ingest runs ingestion for the caller and returns the counters.
func (h *Handlers) Ingest(c *gin.Context) {
	summary, err := h.ingester.Run(c.Request.Context(), currentUser(c))
	if err != nil {
		logrus.Errorf("Ingestion failed: %v", err)
		code := http.StatusInternalServerError
		if errors.Is(err, repository.ErrStoreUnavailable) {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, ErrorResponse{
			Error:   "ingest_error",
			Message: "Failed to ingest mail",
			Code:    code,
		})
		return
	}

	c.JSON(http.StatusOK, IngestResponse{OK: true, Summary: summary})
}

// ListAccounts returns the caller's connected mailboxes
func (h *Handlers) ListAccounts(c *gin.Context) {
	accounts, err := h.repo.ListAccounts(c.Request.Context(), currentUser(c))
	if err != nil {
		respondStoreError(c, err, "Accounts not found")
		return
	}
	if accounts == nil {
		accounts = []model.Account{}
	}

	c.JSON(http.StatusOK, AccountListResponse{Accounts: accounts})
}

// ResyncAccount records that the user asked for a resync of an account
func (h *Handlers) ResyncAccount(c *gin.Context) {
	id := c.Param("id")
	if err := h.repo.RequestResync(c.Request.Context(), id, currentUser(c), time.Now()); err != nil {
		respondStoreError(c, err, "Account not found")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"ok":        true,
		"accountId": id,
	})
}

// DeleteAccount disconnects a mailbox
func (h *Handlers) DeleteAccount(c *gin.Context) {
	id := c.Param("id")
	if err := h.repo.DeleteAccount(c.Request.Context(), id, currentUser(c)); err != nil {
		respondStoreError(c, err, "Account not found")
		return
	}

	logrus.WithField("account_id", id).Info("Mail account disconnected")
	c.JSON(http.StatusOK, gin.H{
		"message": "Account disconnected successfully",
	})
}
