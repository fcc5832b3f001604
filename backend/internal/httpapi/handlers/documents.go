package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"prdCollabServer/backend/internal/collab"
	"prdCollabServer/backend/internal/store"
)

type DocumentHandler struct {
	docs *store.DocumentStore
	svc  collab.Service
}

func NewDocumentHandler(docs *store.DocumentStore, svc collab.Service) *DocumentHandler {
	return &DocumentHandler{docs: docs, svc: svc}
}

type createDocReq struct {
	Title string `json:"title" binding:"required"`
}

func (h *DocumentHandler) CreateDocument(c *gin.Context) {
	v, ok := c.Get("userId")
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "user context missing"})
		return
	}
	ownerID, ok := v.(uint64)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "invalid user id format"})
		return
	}

	var req createDocReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	docID, err := h.docs.CreateDocument(c.Request.Context(), ownerID, req.Title)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"docId": docID, "ownerId": ownerID, "title": req.Title})
}

func (h *DocumentHandler) GetDocument(c *gin.Context) {
	docID := c.Param("documentID")
	if docID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing document id"})
		return
	}
	userID := c.GetUint64("userId")

	ok, err := h.docs.CanAccess(c.Request.Context(), docID, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !ok {
		c.JSON(http.StatusForbidden, gin.H{"error": "access denied"})
		return
	}

	content, updatedAt, err := h.docs.FetchDocument(c.Request.Context(), docID)
	if err != nil {
		if errors.Is(err, collab.ErrDocumentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "document not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":        docID,
		"content":   content,
		"updatedAt": updatedAt,
		// 有活跃会话时给出内存里的最新版本号
		"liveVersion": h.svc.CurrentVersion(docID),
	})
}

// LookupDocument 按标题查文档 ID（客户端从文档列表进入协作页时用）
func (h *DocumentHandler) LookupDocument(c *gin.Context) {
	title := c.Query("title")
	if title == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing title"})
		return
	}
	docID, err := h.docs.GetDocumentID(c.Request.Context(), title)
	if err != nil {
		if errors.Is(err, collab.ErrDocumentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "document not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"docId": docID, "title": title})
}

// ListOperations 返回滑动窗口里指定版本之后的操作，晚加入/断线重连的
// 客户端用它追平。窗口起点早于请求版本时给不全，客户端应重拉整份快照。
func (h *DocumentHandler) ListOperations(c *gin.Context) {
	docID := c.Param("documentID")
	if docID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing document id"})
		return
	}
	userID := c.GetUint64("userId")

	ok, err := h.docs.CanAccess(c.Request.Context(), docID, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !ok {
		c.JSON(http.StatusForbidden, gin.H{"error": "access denied"})
		return
	}

	since, err := strconv.ParseUint(c.DefaultQuery("since", "0"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid since"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "0"))
	if err != nil || limit < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}

	version := h.svc.CurrentVersion(docID)
	if version == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active session for document"})
		return
	}
	ops := h.svc.OpsSince(docID, since, limit)
	c.JSON(http.StatusOK, gin.H{
		"documentId": docID,
		"since":      since,
		"version":    version,
		"operations": ops,
	})
}

// ForceSync 显式强制落库（管理操作/定时备份调用）
func (h *DocumentHandler) ForceSync(c *gin.Context) {
	docID := c.Param("documentID")
	if docID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing document id"})
		return
	}
	if err := h.svc.ForceSync(c.Request.Context(), docID); err != nil {
		if errors.Is(err, collab.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no active session for document"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"synced": true})
}
