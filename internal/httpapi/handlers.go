package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/paulmach/orb"

	"geoledger/internal/branch"
	"geoledger/internal/core"
	"geoledger/internal/domain"
	"geoledger/internal/tags"
)

// VersionHeader reports the version a read or resolve landed on.
const VersionHeader = "X-Version"

func invalidQuery(name, value string) error {
	return domain.Invalidf("query", "malformed %s %q", name, value)
}

func queryInt(c *gin.Context, name string, def int64) (int64, error) {
	raw, ok := c.GetQuery(name)
	if !ok || raw == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, invalidQuery(name, raw)
	}
	return n, nil
}

func queryBool(c *gin.Context, name string, def bool) (bool, error) {
	raw, ok := c.GetQuery(name)
	if !ok || raw == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, invalidQuery(name, raw)
	}
	return b, nil
}

// parseBBox reads west,south,east,north.
func parseBBox(raw string) (*orb.Bound, error) {
	parts := strings.Split(raw, ",")
	if len(parts) != 4 {
		return nil, invalidQuery("bbox", raw)
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, invalidQuery("bbox", raw)
		}
		v[i] = f
	}
	if v[0] > v[2] || v[1] > v[3] {
		return nil, invalidQuery("bbox", raw)
	}
	return &orb.Bound{Min: orb.Point{v[0], v[1]}, Max: orb.Point{v[2], v[3]}}, nil
}

func (h *Handler) listSpaces(c *gin.Context) {
	all, err := h.svc.ListSpaces(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"spaces": all})
}

func (h *Handler) createSpace(c *gin.Context) {
	var spec domain.SpaceSpec
	if err := c.ShouldBindJSON(&spec); err != nil {
		h.fail(c, domain.Invalidf("create space", "%v", err))
		return
	}
	if spec.Owner == "" {
		spec.Owner = c.GetHeader(AuthorHeader)
	}
	sp, err := h.svc.CreateSpace(c.Request.Context(), spec)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, sp)
}

func (h *Handler) getSpace(c *gin.Context) {
	sp, err := h.svc.GetSpace(c.Request.Context(), c.Param("space"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sp)
}

func (h *Handler) updateSpace(c *gin.Context) {
	var patch domain.SpacePatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		h.fail(c, domain.Invalidf("update space", "%v", err))
		return
	}
	sp, err := h.svc.UpdateSpace(c.Request.Context(), c.Param("space"), patch)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sp)
}

func (h *Handler) deleteSpace(c *gin.Context) {
	if err := h.svc.DeleteSpace(c.Request.Context(), c.Param("space")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func queryContext(c *gin.Context) (domain.Context, error) {
	return domain.ParseContext(c.Query("context"))
}

func (h *Handler) readFeatures(c *gin.Context) {
	ctxMode, err := queryContext(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	opts := core.ReadOptions{IDs: c.QueryArray("id"), Filter: c.Query("filter")}
	if raw := c.Query("bbox"); raw != "" {
		if opts.BBox, err = parseBBox(raw); err != nil {
			h.fail(c, err)
			return
		}
	}
	limit, err := queryInt(c, "limit", 0)
	if err != nil || limit < 0 {
		h.fail(c, invalidQuery("limit", c.Query("limit")))
		return
	}
	opts.Limit = int(limit)
	if opts.IncludeDeleted, err = queryBool(c, "includeDeleted", false); err != nil {
		h.fail(c, err)
		return
	}
	res, err := h.svc.ReadAt(c.Request.Context(), c.Param("space"), c.Query("branch"), c.Query("ref"), ctxMode, opts)
	if err != nil {
		h.fail(c, err)
		return
	}
	body, err := domain.EncodeFeatureCollection(res.Features)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.Header(VersionHeader, strconv.FormatInt(res.Ref.Version, 10))
	c.Data(http.StatusOK, "application/geo+json", body)
}

func (h *Handler) readFeature(c *gin.Context) {
	ctxMode, err := queryContext(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	f, err := h.svc.ReadFeature(c.Request.Context(), c.Param("space"), c.Query("branch"), c.Query("ref"), ctxMode, c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, f)
}

func (h *Handler) resolveRef(c *gin.Context) {
	ctxMode, err := queryContext(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	r, err := h.svc.ResolveRef(c.Request.Context(), c.Param("space"), c.Query("branch"), c.Param("ref"), ctxMode)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.Header(VersionHeader, strconv.FormatInt(r.Version, 10))
	c.JSON(http.StatusOK, r)
}

// writeRequest collects the query parameters shared by every write route. PUT replaces, PATCH
// patches and POST takes the mode from the query.
func writeRequest(c *gin.Context) (domain.WriteRequest, error) {
	req := domain.WriteRequest{
		Space:   c.Param("space"),
		Branch:  c.Query("branch"),
		BaseRef: c.Query("baseRef"),
		Author:  c.GetHeader(AuthorHeader),
	}
	var err error
	if req.Context, err = queryContext(c); err != nil {
		return req, err
	}
	switch c.Request.Method {
	case http.MethodPatch:
		req.Mode = domain.ModePatch
	case http.MethodPost:
		if req.Mode, err = domain.ParseWriteMode(c.Query("mode")); err != nil {
			return req, err
		}
	default:
		req.Mode = domain.ModeReplace
	}
	if req.Transactional, err = queryBool(c, "transactional", false); err != nil {
		return req, err
	}
	if req.ConflictDetection, err = queryBool(c, "conflictDetection", false); err != nil {
		return req, err
	}
	if req.OnMergeConflict, err = domain.ParseOnMergeConflict(c.Query("onMergeConflict")); err != nil {
		return req, err
	}
	return req, nil
}

func (h *Handler) writeFeatures(c *gin.Context) {
	req, err := writeRequest(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	raw, err := c.GetRawData()
	if err != nil {
		h.fail(c, domain.Invalidf("write", "read body: %v", err))
		return
	}
	if req.Items, err = domain.DecodeWriteItems(raw); err != nil {
		h.fail(c, err)
		return
	}
	h.write(c, req)
}

func (h *Handler) deleteFeatures(c *gin.Context) {
	req, err := writeRequest(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	ids := c.QueryArray("id")
	if len(ids) == 0 {
		h.fail(c, domain.Invalidf("delete features", "at least one id is required"))
		return
	}
	for _, id := range ids {
		req.Items = append(req.Items, domain.WriteItem{Feature: domain.Feature{ID: id}, Delete: true})
	}
	h.write(c, req)
}

func (h *Handler) write(c *gin.Context, req domain.WriteRequest) {
	res, err := h.svc.Write(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.Header(VersionHeader, strconv.FormatInt(res.Version, 10))
	c.JSON(http.StatusOK, res)
}

func changesetRequest(c *gin.Context) (core.ChangesetRequest, error) {
	req := core.ChangesetRequest{
		Space:     c.Param("space"),
		Branch:    c.Query("branch"),
		Author:    c.Query("author"),
		PageToken: c.Query("pageToken"),
	}
	var err error
	if req.Start, err = queryInt(c, "startVersion", 0); err != nil {
		return req, err
	}
	if req.End, err = queryInt(c, "endVersion", 0); err != nil {
		return req, err
	}
	limit, err := queryInt(c, "limit", 0)
	if err != nil {
		return req, err
	}
	req.Limit = int(limit)
	return req, nil
}

func (h *Handler) changesets(c *gin.Context) {
	req, err := changesetRequest(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	page, err := h.svc.Changesets(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (h *Handler) compactChangeset(c *gin.Context) {
	req, err := changesetRequest(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	cs, err := h.svc.CompactChangeset(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, cs)
}

func (h *Handler) statistics(c *gin.Context) {
	st, err := h.svc.Statistics(c.Request.Context(), c.Param("space"), c.Query("branch"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// purge deletes the history below ?version=.
func (h *Handler) purge(c *gin.Context) {
	below, err := queryInt(c, "version", 0)
	if err != nil {
		h.fail(c, err)
		return
	}
	res, err := h.svc.Purge(c.Request.Context(), c.Param("space"), c.Query("branch"), below)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type branchBody struct {
	ID          string `json:"id"`
	BaseRef     string `json:"baseRef"`
	Description string `json:"description"`
}

func (h *Handler) createBranch(c *gin.Context) {
	var body branchBody
	if err := c.ShouldBindJSON(&body); err != nil {
		h.fail(c, domain.Invalidf("create branch", "%v", err))
		return
	}
	b, created, err := h.svc.CreateBranch(c.Request.Context(), branch.CreateRequest{
		Space:       c.Param("space"),
		ID:          body.ID,
		BaseRef:     body.BaseRef,
		Author:      c.GetHeader(AuthorHeader),
		Description: body.Description,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	if !created {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusCreated, b)
}

func (h *Handler) listBranches(c *gin.Context) {
	all, err := h.svc.ListBranches(c.Request.Context(), c.Param("space"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"branches": all})
}

func (h *Handler) getBranch(c *gin.Context) {
	b, err := h.svc.GetBranch(c.Request.Context(), c.Param("space"), c.Param("branch"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

func (h *Handler) deleteBranch(c *gin.Context) {
	if err := h.svc.DeleteBranch(c.Request.Context(), c.Param("space"), c.Param("branch")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) rebaseBranch(c *gin.Context) {
	var body struct {
		Ref string `json:"ref"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		h.fail(c, domain.Invalidf("rebase branch", "%v", err))
		return
	}
	b, err := h.svc.RebaseBranch(c.Request.Context(), c.Param("space"), c.Param("branch"), body.Ref)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

func (h *Handler) mergeBranch(c *gin.Context) {
	res, err := h.svc.MergeBranch(c.Request.Context(), c.Param("space"), c.Param("branch"), c.GetHeader(AuthorHeader))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.Header(VersionHeader, strconv.FormatInt(res.Version, 10))
	c.JSON(http.StatusOK, res)
}

type tagBody struct {
	ID          string `json:"id"`
	Branch      string `json:"branch"`
	Ref         string `json:"ref"`
	Description string `json:"description"`
	Version     *int64 `json:"version"`
}

func (h *Handler) createTag(c *gin.Context) {
	var body tagBody
	if err := c.ShouldBindJSON(&body); err != nil {
		h.fail(c, domain.Invalidf("create tag", "%v", err))
		return
	}
	ref := body.Ref
	if ref == "" && body.Version != nil {
		ref = strconv.FormatInt(*body.Version, 10)
	}
	t, err := h.svc.CreateTag(c.Request.Context(), tags.CreateRequest{
		Space:       c.Param("space"),
		Branch:      body.Branch,
		ID:          body.ID,
		Ref:         ref,
		Author:      c.GetHeader(AuthorHeader),
		Description: body.Description,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, t)
}

func (h *Handler) listTags(c *gin.Context) {
	system, err := queryBool(c, "includeSystem", false)
	if err != nil {
		h.fail(c, err)
		return
	}
	all, err := h.svc.ListTags(c.Request.Context(), c.Param("space"), system)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tags": all})
}

func (h *Handler) getTag(c *gin.Context) {
	t, err := h.svc.GetTag(c.Request.Context(), c.Param("space"), c.Param("tag"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (h *Handler) updateTag(c *gin.Context) {
	var body tagBody
	if err := c.ShouldBindJSON(&body); err != nil {
		h.fail(c, domain.Invalidf("update tag", "%v", err))
		return
	}
	if body.Version == nil {
		h.fail(c, domain.Invalidf("update tag", "version is required"))
		return
	}
	t, err := h.svc.UpdateTag(c.Request.Context(), c.Param("space"), c.Param("tag"), *body.Version)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (h *Handler) deleteTag(c *gin.Context) {
	if err := h.svc.DeleteTag(c.Request.Context(), c.Param("space"), c.Param("tag")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
