package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

func init() {
	// Money fields are stored as JSON numbers so the store can sum and sort
	// them like any other numeric field.
	decimal.MarshalJSONWithoutQuotes = true
}

const (
	CollectionProducts     = "products"
	CollectionCustomers    = "customers"
	CollectionTransactions = "transactions"
	CollectionVendors      = "vendors"
	CollectionPurchases    = "purchases"
	CollectionDamages      = "damages"
	CollectionPointConfigs = "point_configs"
	CollectionUsers        = "users"
	CollectionAuditLogs    = "audit_logs"
)

const (
	RoleAdmin   = "admin"
	RoleCashier = "cashier"
	RoleSystem  = "system"
)

type TransactionKind string

const (
	KindSale     TransactionKind = "Sale"
	KindReturn   TransactionKind = "Return"
	KindPreOrder TransactionKind = "PreOrder"
)

type LineType string

const (
	LineSale   LineType = "Sale"
	LineReturn LineType = "Return"
)

// Ref is the {_id, name} snapshot embedded into documents that point at
// another document.
type Ref struct {
	ID   string `json:"_id"`
	Name string `json:"name"`
}

type Product struct {
	ID            string          `json:"_id"`
	Shop          string          `json:"shop"`
	ProductID     string          `json:"productId"`
	SKU           string          `json:"sku,omitempty"`
	IMEI          string          `json:"imei,omitempty"`
	Name          string          `json:"name"`
	Category      *Ref            `json:"category,omitempty"`
	Subcategory   *Ref            `json:"subcategory,omitempty"`
	Brand         *Ref            `json:"brand,omitempty"`
	Unit          *Ref            `json:"unit,omitempty"`
	Color         *Ref            `json:"color,omitempty"`
	Size          *Ref            `json:"size,omitempty"`
	Vendor        *Ref            `json:"vendor,omitempty"`
	PurchasePrice decimal.Decimal `json:"purchasePrice"`
	SalePrice     decimal.Decimal `json:"salePrice"`
	Quantity      int64           `json:"quantity"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

type ProductCreateRequest struct {
	SKU             string          `json:"sku"`
	IMEI            string          `json:"imei"`
	Name            string          `json:"name"`
	Category        *Ref            `json:"category,omitempty"`
	Subcategory     *Ref            `json:"subcategory,omitempty"`
	Brand           *Ref            `json:"brand,omitempty"`
	Unit            *Ref            `json:"unit,omitempty"`
	Color           *Ref            `json:"color,omitempty"`
	Size            *Ref            `json:"size,omitempty"`
	Vendor          *Ref            `json:"vendor,omitempty"`
	PurchasePrice   decimal.Decimal `json:"purchasePrice"`
	SalePrice       decimal.Decimal `json:"salePrice"`
	InitialQuantity int64           `json:"initialQuantity"`
}

type Customer struct {
	ID         string    `json:"_id"`
	Shop       string    `json:"shop"`
	Name       string    `json:"name"`
	Phone      string    `json:"phone"`
	UserPoints int64     `json:"userPoints"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

type CustomerInput struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

type CustomerSnapshot struct {
	ID    string `json:"_id"`
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

type PointConfig struct {
	ID          string          `json:"_id"`
	Shop        string          `json:"shop"`
	PointAmount decimal.Decimal `json:"pointAmount"`
	PointValue  decimal.Decimal `json:"pointValue"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

type PointConfigRequest struct {
	PointAmount decimal.Decimal `json:"pointAmount"`
	PointValue  decimal.Decimal `json:"pointValue"`
}

type LineItem struct {
	Product       Ref             `json:"product"`
	ProductID     string          `json:"productId"`
	IMEI          string          `json:"imei,omitempty"`
	SalePrice     decimal.Decimal `json:"salePrice"`
	PurchasePrice decimal.Decimal `json:"purchasePrice"`
	SaleType      LineType        `json:"saleType"`
	SoldQuantity  int64           `json:"soldQuantity"`
	LineTotal     decimal.Decimal `json:"lineTotal"`
}

type Transaction struct {
	ID             string            `json:"_id"`
	Shop           string            `json:"shop"`
	Kind           TransactionKind   `json:"kind"`
	InvoiceNo      string            `json:"invoiceNo"`
	IdempotencyKey string            `json:"idempotencyKey,omitempty"`
	Customer       *CustomerSnapshot `json:"customer,omitempty"`
	Salesman       *Ref              `json:"salesman,omitempty"`
	Items          []LineItem        `json:"items"`
	SubTotal       decimal.Decimal   `json:"subTotal"`
	DiscountAmount decimal.Decimal   `json:"discountAmount"`
	UsedPoints     int64             `json:"usedPoints"`
	EarnedPoints   int64             `json:"earnedPoints"`
	GrandTotal     decimal.Decimal   `json:"grandTotal"`
	Note           string            `json:"note,omitempty"`
	CreatedBy      string            `json:"createdBy"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}

type LineInput struct {
	Product      string           `json:"product"`
	IMEI         string           `json:"imei,omitempty"`
	SaleType     LineType         `json:"saleType,omitempty"`
	SoldQuantity int64            `json:"soldQuantity"`
	SalePrice    *decimal.Decimal `json:"salePrice,omitempty"`
}

// TransactionRequest is the input shared by sales, returns and pre-orders.
type TransactionRequest struct {
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	Customer       *CustomerInput  `json:"customer,omitempty"`
	Salesman       *Ref            `json:"salesman,omitempty"`
	Items          []LineInput     `json:"items"`
	Discount       decimal.Decimal `json:"discount"`
	UsePoints      int64           `json:"usePoints"`
	Note           string          `json:"note,omitempty"`
}

type TransactionResult struct {
	TransactionID string          `json:"transactionId"`
	InvoiceNo     string          `json:"invoiceNo"`
	Kind          TransactionKind `json:"kind"`
	GrandTotal    decimal.Decimal `json:"grandTotal"`
	EarnedPoints  int64           `json:"earnedPoints"`
	UsedPoints    int64           `json:"usedPoints"`
	Duplicate     bool            `json:"duplicate"`
}

type Vendor struct {
	ID        string    `json:"_id"`
	Shop      string    `json:"shop"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type VendorRequest struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

type PurchaseLine struct {
	Product       Ref             `json:"product"`
	ProductID     string          `json:"productId"`
	Quantity      int64           `json:"quantity"`
	PurchasePrice decimal.Decimal `json:"purchasePrice"`
	LineTotal     decimal.Decimal `json:"lineTotal"`
}

type Purchase struct {
	ID         string          `json:"_id"`
	Shop       string          `json:"shop"`
	PurchaseNo string          `json:"purchaseNo"`
	Vendor     Ref             `json:"vendor"`
	Items      []PurchaseLine  `json:"items"`
	Total      decimal.Decimal `json:"total"`
	CreatedBy  string          `json:"createdBy"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

type PurchaseLineInput struct {
	Product       string           `json:"product"`
	Quantity      int64            `json:"quantity"`
	PurchasePrice *decimal.Decimal `json:"purchasePrice,omitempty"`
}

type PurchaseRequest struct {
	Vendor string              `json:"vendor"`
	Items  []PurchaseLineInput `json:"items"`
}

type Damage struct {
	ID        string    `json:"_id"`
	Shop      string    `json:"shop"`
	Product   Ref       `json:"product"`
	ProductID string    `json:"productId"`
	Quantity  int64     `json:"quantity"`
	Note      string    `json:"note,omitempty"`
	CreatedBy string    `json:"createdBy"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type DamageRequest struct {
	Product  string `json:"product"`
	Quantity int64  `json:"quantity"`
	Note     string `json:"note"`
}

type User struct {
	ID          string    `json:"_id"`
	Shop        string    `json:"shop"`
	Username    string    `json:"username"`
	DisplayName string    `json:"displayName"`
	Password    string    `json:"password"`
	Role        string    `json:"role"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

type UserCreateRequest struct {
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	Password    string `json:"password"`
	Role        string `json:"role"`
}

type UserView struct {
	ID          string    `json:"_id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"displayName"`
	Role        string    `json:"role"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"createdAt"`
}

type AuditLog struct {
	ID         string    `json:"_id"`
	Shop       string    `json:"shop"`
	ActorID    string    `json:"actorId"`
	ActorRole  string    `json:"actorRole"`
	Action     string    `json:"action"`
	EntityType string    `json:"entityType"`
	EntityID   string    `json:"entityId"`
	Detail     string    `json:"detail"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Actor is the authenticated caller every operation runs on behalf of.
type Actor struct {
	ID       string `json:"_id"`
	Username string `json:"username"`
	Name     string `json:"name"`
	Shop     string `json:"shop"`
	Role     string `json:"role"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	Shop        string `json:"shop"`
	ExpiresAt   string `json:"expires_at"`
}

// ResponsePayload is the envelope every list and mutation answers with.
type ResponsePayload struct {
	Success     bool                       `json:"success"`
	Message     string                     `json:"message"`
	Data        any                        `json:"data,omitempty"`
	Count       *int64                     `json:"count,omitempty"`
	Calculation map[string]decimal.Decimal `json:"calculation,omitempty"`
}

type ArchiveResult struct {
	Count int      `json:"count"`
	IDs   []string `json:"ids"`
}
