package handlers

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/example/storefront/internal/models"
	"github.com/example/storefront/internal/utils"
)

// ProductHandler manages product CRUD.
type ProductHandler struct {
	db *gorm.DB
}

// NewProductHandler constructs ProductHandler.
func NewProductHandler(db *gorm.DB) *ProductHandler {
	return &ProductHandler{db: db}
}

// RegisterProductRoutes mounts the public product endpoints on router and
// the write endpoints behind guard.
func (h *ProductHandler) RegisterProductRoutes(router fiber.Router, guard ...fiber.Handler) {
	router.Get("/", h.ListProducts)
	router.Get("/:id", h.GetProduct)

	with := func(next fiber.Handler) []fiber.Handler {
		return append(append([]fiber.Handler{}, guard...), next)
	}
	router.Post("/", with(h.CreateProduct)...)
	router.Put("/:id", with(h.UpdateProduct)...)
	router.Delete("/:id", with(h.DeleteProduct)...)
}

// ListProducts returns paginated active products with an optional search.
func (h *ProductHandler) ListProducts(c *fiber.Ctx) error {
	pg := utils.ParsePagination(c)
	query := h.db.WithContext(c.UserContext()).Model(&models.Product{}).Where("is_active = ?", true)

	if search := strings.TrimSpace(c.Query("search")); search != "" {
		q := "%" + strings.ToLower(search) + "%"
		query = query.Where("LOWER(name) LIKE ? OR LOWER(description) LIKE ?", q, q)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return err
	}

	var products []models.Product
	if err := query.Preload("Variants", "is_active = ?", true).
		Limit(pg.Limit).Offset(pg.Offset).
		Order("created_at desc").
		Find(&products).Error; err != nil {
		return err
	}

	return c.JSON(fiber.Map{
		"success":    true,
		"data":       products,
		"pagination": pg.Meta(total),
	})
}

// GetProduct loads a product by id or slug.
func (h *ProductHandler) GetProduct(c *fiber.Ctx) error {
	key := c.Params("id")
	query := h.db.WithContext(c.UserContext()).Preload("Variants", "is_active = ?", true)
	if id, err := uuid.Parse(key); err == nil {
		query = query.Where("id = ?", id)
	} else {
		query = query.Where("slug = ?", key)
	}

	var product models.Product
	if err := query.First(&product).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fiber.NewError(fiber.StatusNotFound, "product not found")
		}
		return err
	}

	return c.JSON(fiber.Map{"success": true, "data": product})
}

type productRequest struct {
	Slug        string           `json:"slug"`
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Price       decimal.Decimal  `json:"price"`
	Images      []string         `json:"images"`
	IsActive    *bool            `json:"is_active"`
	Variants    []variantRequest `json:"variants"`
}

type variantRequest struct {
	Label    string          `json:"label"`
	Price    decimal.Decimal `json:"price"`
	IsActive *bool           `json:"is_active"`
}

// CreateProduct handles product creation.
func (h *ProductHandler) CreateProduct(c *fiber.Ctx) error {
	var req productRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	product, err := buildProductFromRequest(req)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	if err := h.db.WithContext(c.UserContext()).Create(&product).Error; err != nil {
		return err
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"success": true, "data": product})
}

// UpdateProduct updates an existing product and replaces its variants.
func (h *ProductHandler) UpdateProduct(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid id")
	}

	var existing models.Product
	if err := h.db.WithContext(c.UserContext()).First(&existing, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fiber.NewError(fiber.StatusNotFound, "product not found")
		}
		return err
	}

	var req productRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	product, err := buildProductFromRequest(req)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	product.ID = existing.ID
	product.CreatedAt = existing.CreatedAt
	for i := range product.Variants {
		product.Variants[i].ProductID = existing.ID
	}

	if err := h.db.WithContext(c.UserContext()).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("product_id = ?", product.ID).Delete(&models.ProductVariant{}).Error; err != nil {
			return err
		}
		if err := tx.Model(&existing).Select("slug", "name", "description", "price", "images", "is_active").
			Updates(&product).Error; err != nil {
			return err
		}
		if len(product.Variants) > 0 {
			return tx.Create(&product.Variants).Error
		}
		return nil
	}); err != nil {
		return err
	}

	return c.JSON(fiber.Map{"success": true, "data": product})
}

// DeleteProduct removes a product and its variants. Existing orders keep
// their own copy of name and price.
func (h *ProductHandler) DeleteProduct(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid id")
	}

	if err := h.db.WithContext(c.UserContext()).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("product_id = ?", id).Delete(&models.ProductVariant{}).Error; err != nil {
			return err
		}
		return tx.Delete(&models.Product{}, "id = ?", id).Error
	}); err != nil {
		return err
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func buildProductFromRequest(req productRequest) (models.Product, error) {
	name := strings.TrimSpace(req.Name)
	slug := strings.TrimSpace(req.Slug)
	if name == "" || slug == "" {
		return models.Product{}, errors.New("name and slug are required")
	}
	if !req.Price.IsPositive() {
		return models.Product{}, errors.New("price must be positive")
	}

	product := models.Product{
		Slug:        slug,
		Name:        name,
		Description: req.Description,
		Price:       req.Price,
		Images:      req.Images,
		IsActive:    req.IsActive == nil || *req.IsActive,
	}

	seen := map[string]bool{}
	for _, v := range req.Variants {
		label := strings.TrimSpace(v.Label)
		if label == "" {
			return models.Product{}, errors.New("variant label is required")
		}
		if seen[label] {
			return models.Product{}, errors.New("duplicate variant " + label)
		}
		if v.Price.IsNegative() {
			return models.Product{}, errors.New("variant price must not be negative")
		}
		seen[label] = true
		product.Variants = append(product.Variants, models.ProductVariant{
			Label:    label,
			Price:    v.Price,
			IsActive: v.IsActive == nil || *v.IsActive,
		})
	}

	return product, nil
}
