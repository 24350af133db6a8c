/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/waldocoin/waldo/internal/apierror"
	"github.com/waldocoin/waldo/model"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

var recordStatuses = map[string]bool{
	model.StatusClaimed:         true,
	model.StatusIneligible:      true,
	model.StatusIssued:          true,
	model.StatusFailedTerminal:  true,
	model.StatusFailedTransient: true,
}

// pagination reads limit and offset from the query string, falling back to sane bounds.
func pagination(c *gin.Context) (int, int) {
	limit, err := strconv.Atoi(c.Query("limit"))
	if err != nil || limit <= 0 || limit > maxPageSize {
		limit = defaultPageSize
	}
	offset, err := strconv.Atoi(c.Query("offset"))
	if err != nil || offset < 0 {
		offset = 0
	}
	return limit, offset
}

func respondError(c *gin.Context, err error) {
	c.JSON(apierror.MapErrorToHTTPStatus(err), apierror.Body(err))
}

func (a Api) GetStatus(c *gin.Context) {
	report, err := a.waldo.Status().Report(c.Request.Context())
	if err != nil {
		respondError(c, apierror.NewAPIError(apierror.ErrUnavailable, "status feed unavailable", err))
		return
	}
	c.JSON(http.StatusOK, report)
}

func (a Api) GetRecord(c *gin.Context) {
	id, passed := c.Params.Get("id")
	if !passed || id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return
	}

	rec, err := a.waldo.DataSource().GetRecord(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (a Api) GetRecords(c *gin.Context) {
	status := c.Query("status")
	if status != "" && !recordStatuses[status] {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status " + strconv.Quote(status)})
		return
	}

	limit, offset := pagination(c)
	records, err := a.waldo.DataSource().ListRecords(c.Request.Context(), status, limit, offset)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, records)
}

func (a Api) GetAudit(c *gin.Context) {
	ctx := c.Request.Context()

	var (
		entries []model.AuditEntry
		err     error
	)
	if source := c.Query("source_tx_id"); source != "" {
		entries, err = a.waldo.DataSource().ListAuditBySource(ctx, source)
	} else {
		limit, offset := pagination(c)
		entries, err = a.waldo.DataSource().ListAudit(ctx, limit, offset)
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, entries)
}

// Calculate quotes the reward for an XRP amount without touching any state.
func (a Api) Calculate(c *gin.Context) {
	amount, err := decimal.NewFromString(c.Query("amount"))
	if err != nil || !amount.IsPositive() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "amount must be a positive XRP value"})
		return
	}

	minimum := a.waldo.Config().Distributor.MinimumAmount
	c.JSON(http.StatusOK, gin.H{
		"quote":          a.waldo.Bonus().Quote(amount),
		"minimum_amount": minimum,
		"qualifies":      amount.GreaterThanOrEqual(minimum),
	})
}

func (a Api) Reconcile(c *gin.Context) {
	result, err := a.waldo.Reconcile(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
