package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/samber/lo"
	"github.com/smallbiznis/paysync/internal/cache"
	"github.com/smallbiznis/paysync/internal/clock"
	"github.com/smallbiznis/paysync/internal/config"
	idempotencydomain "github.com/smallbiznis/paysync/internal/idempotency/domain"
	ledgerdomain "github.com/smallbiznis/paysync/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/paysync/internal/observability/metrics"
	"github.com/smallbiznis/paysync/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/paysync/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ReasonNoOpenPurchase is reported when a succeeded intent has no pending key to settle.
const ReasonNoOpenPurchase = "no_open_purchase"

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Cfg         config.Config
	Repo        paymentdomain.Repository
	Registry    *adapters.Registry
	LedgerSvc   ledgerdomain.Service
	Idempotency idempotencydomain.Service
	Catalog     *config.CatalogHolder
	Customers   cache.CustomerCache `optional:"true"`
	Clock       clock.Clock         `optional:"true"`
	ObsMetrics  *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	stripeCfg   config.StripeConfig
	repo        paymentdomain.Repository
	registry    *adapters.Registry
	ledgerSvc   ledgerdomain.Service
	idempotency idempotencydomain.Service
	catalog     *config.CatalogHolder
	customers   cache.CustomerCache
	clock       clock.Clock
	obsMetrics  *obsmetrics.Metrics
}

func NewService(p Params) paymentdomain.Service {
	customers := p.Customers
	if customers == nil {
		customers = cache.NewCustomerCache()
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("payment.service"),
		genID:       p.GenID,
		stripeCfg:   p.Cfg.Stripe,
		repo:        p.Repo,
		registry:    p.Registry,
		ledgerSvc:   p.LedgerSvc,
		idempotency: p.Idempotency,
		catalog:     p.Catalog,
		customers:   customers,
		clock:       clk,
		obsMetrics:  p.ObsMetrics,
	}
}

func (s *Service) CreateCheckoutSession(ctx context.Context, req paymentdomain.CreateCheckoutSessionRequest) (paymentdomain.CheckoutSessionResult, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return paymentdomain.CheckoutSessionResult{}, paymentdomain.ErrInvalidUser
	}
	priceRef := strings.TrimSpace(req.PriceRef)
	if priceRef == "" {
		return paymentdomain.CheckoutSessionResult{}, paymentdomain.ErrInvalidPriceRef
	}
	provider, err := s.registry.Default()
	if err != nil {
		return paymentdomain.CheckoutSessionResult{}, err
	}

	if pkg, ok := s.catalog.Get().PackageByID(priceRef); ok {
		return s.createPackageCheckout(ctx, provider, userID, pkg, req)
	}

	ensured, err := s.idempotency.Ensure(ctx, idempotencydomain.EnsureRequest{
		UserID:    userID,
		Operation: idempotencydomain.OperationCreateCheckoutSession,
		Context:   priceRef,
		Key:       req.IdempotencyKey,
	})
	if err != nil {
		return paymentdomain.CheckoutSessionResult{}, err
	}
	if ensured.IsDuplicate {
		var cached paymentdomain.CheckoutSessionResult
		if err := ensured.DecodeResult(&cached); err != nil {
			return paymentdomain.CheckoutSessionResult{}, fmt.Errorf("decode cached checkout session: %w", err)
		}
		cached.Duplicate = true
		return cached, nil
	}

	customerID, err := s.resolveCustomer(ctx, provider, userID)
	if err != nil {
		s.fail(ctx, ensured.Key, err)
		return paymentdomain.CheckoutSessionResult{}, err
	}

	session, err := provider.CreateCheckoutSession(ctx, paymentdomain.CheckoutSessionParams{
		CustomerID:     customerID,
		Mode:           paymentdomain.CheckoutModeSubscription,
		PriceRef:       priceRef,
		Metadata:       paymentdomain.SessionMetadata{UserID: userID},
		Extra:          req.Metadata,
		SuccessURL:     s.stripeCfg.SuccessURL,
		CancelURL:      s.stripeCfg.CancelURL,
		IdempotencyKey: ensured.Key,
	})
	if err != nil {
		s.fail(ctx, ensured.Key, err)
		return paymentdomain.CheckoutSessionResult{}, err
	}

	result := paymentdomain.CheckoutSessionResult{
		URL:       session.URL,
		SessionID: session.ID,
		Mode:      string(paymentdomain.CheckoutModeSubscription),
	}
	if _, err := s.idempotency.Complete(ctx, ensured.Key, result); err != nil {
		s.log.Warn("complete checkout idempotency failed", zap.Error(err))
	}
	s.log.Info("subscription checkout session created",
		zap.String("user_id", userID),
		zap.String("price_ref", priceRef),
		zap.String("session_id", session.ID),
	)
	return result, nil
}

// createPackageCheckout opens a one-off purchase. The key stays open until the
// succeeded payment intent settles it.
func (s *Service) createPackageCheckout(
	ctx context.Context,
	provider paymentdomain.Provider,
	userID string,
	pkg config.CreditPackage,
	req paymentdomain.CreateCheckoutSessionRequest,
) (paymentdomain.CheckoutSessionResult, error) {
	amount, err := pkg.AmountMinor()
	if err != nil {
		return paymentdomain.CheckoutSessionResult{}, fmt.Errorf("%w: %v", paymentdomain.ErrUnknownPackage, err)
	}

	ensured, err := s.idempotency.Ensure(ctx, idempotencydomain.EnsureRequest{
		UserID:    userID,
		Operation: idempotencydomain.OperationPurchaseCredits,
		Amount:    amount,
		Context:   "checkout:" + pkg.ID,
		Key:       req.IdempotencyKey,
	})
	if err != nil {
		return paymentdomain.CheckoutSessionResult{}, err
	}
	if ensured.IsDuplicate {
		return paymentdomain.CheckoutSessionResult{}, paymentdomain.ErrPurchaseCompleted
	}

	customerID, err := s.resolveCustomer(ctx, provider, userID)
	if err != nil {
		s.fail(ctx, ensured.Key, err)
		return paymentdomain.CheckoutSessionResult{}, err
	}

	session, err := provider.CreateCheckoutSession(ctx, paymentdomain.CheckoutSessionParams{
		CustomerID: customerID,
		Mode:       paymentdomain.CheckoutModePayment,
		Package: &paymentdomain.PackageLine{
			Name:     fmt.Sprintf("%d credits", pkg.Credits),
			Amount:   amount,
			Currency: strings.ToLower(pkg.Currency),
		},
		Metadata: paymentdomain.SessionMetadata{
			UserID:         userID,
			Credits:        pkg.Credits,
			IdempotencyKey: ensured.Key,
			PackageID:      pkg.ID,
		},
		Extra:          req.Metadata,
		SuccessURL:     s.stripeCfg.SuccessURL,
		CancelURL:      s.stripeCfg.CancelURL,
		IdempotencyKey: providerKey(ensured),
	})
	if err != nil {
		s.fail(ctx, ensured.Key, err)
		return paymentdomain.CheckoutSessionResult{}, err
	}

	s.log.Info("credit checkout session created",
		zap.String("user_id", userID),
		zap.String("package_id", pkg.ID),
		zap.String("session_id", session.ID),
	)
	return paymentdomain.CheckoutSessionResult{
		URL:       session.URL,
		SessionID: session.ID,
		Mode:      string(paymentdomain.CheckoutModePayment),
		Duplicate: ensured.InFlight,
	}, nil
}

func (s *Service) CreatePaymentIntent(ctx context.Context, req paymentdomain.CreatePaymentIntentRequest) (paymentdomain.PaymentIntentResult, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return paymentdomain.PaymentIntentResult{}, paymentdomain.ErrInvalidUser
	}
	pkg, amount, err := s.resolvePackage(req.PackageID, req.Amount, req.Currency)
	if err != nil {
		return paymentdomain.PaymentIntentResult{}, err
	}
	provider, err := s.registry.Default()
	if err != nil {
		return paymentdomain.PaymentIntentResult{}, err
	}

	ensured, err := s.idempotency.Ensure(ctx, idempotencydomain.EnsureRequest{
		UserID:    userID,
		Operation: idempotencydomain.OperationPurchaseCredits,
		Amount:    amount,
		Context:   pkg.ID,
		Key:       req.IdempotencyKey,
	})
	if err != nil {
		return paymentdomain.PaymentIntentResult{}, err
	}

	result := paymentdomain.PaymentIntentResult{
		IdempotencyKey: ensured.Key,
		Credits:        pkg.Credits,
		Amount:         amount,
		Currency:       strings.ToLower(pkg.Currency),
	}

	if ref := existingRef(ensured); ref != "" && !ensured.Rearmed {
		intent, err := provider.GetPaymentIntent(ctx, ref)
		if err != nil {
			return paymentdomain.PaymentIntentResult{}, err
		}
		result.PaymentIntentID = intent.ID
		result.ClientSecret = intent.ClientSecret
		result.Duplicate = true
		return result, nil
	}
	if ensured.IsDuplicate {
		return paymentdomain.PaymentIntentResult{}, paymentdomain.ErrPurchaseCompleted
	}

	customerID, err := s.resolveCustomer(ctx, provider, userID)
	if err != nil {
		s.fail(ctx, ensured.Key, err)
		return paymentdomain.PaymentIntentResult{}, err
	}

	intent, err := provider.CreatePaymentIntent(ctx, paymentdomain.PaymentIntentParams{
		CustomerID: customerID,
		Amount:     amount,
		Currency:   result.Currency,
		Metadata: paymentdomain.SessionMetadata{
			UserID:         userID,
			Credits:        pkg.Credits,
			IdempotencyKey: ensured.Key,
			PackageID:      pkg.ID,
		},
		IdempotencyKey: providerKey(ensured),
	})
	if err != nil {
		s.fail(ctx, ensured.Key, err)
		return paymentdomain.PaymentIntentResult{}, err
	}

	if err := s.idempotency.AttachExternalRef(ctx, ensured.Key, intent.ID); err != nil && !errors.Is(err, idempotencydomain.ErrRecordCompleted) {
		return paymentdomain.PaymentIntentResult{}, err
	}

	s.log.Info("payment intent created",
		zap.String("user_id", userID),
		zap.String("package_id", pkg.ID),
		zap.String("payment_intent_id", intent.ID),
		zap.Bool("rearmed", ensured.Rearmed),
	)
	result.PaymentIntentID = intent.ID
	result.ClientSecret = intent.ClientSecret
	return result, nil
}

func (s *Service) ConfirmPayment(ctx context.Context, req paymentdomain.ConfirmPaymentRequest) (paymentdomain.ConfirmPaymentResult, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return paymentdomain.ConfirmPaymentResult{}, paymentdomain.ErrInvalidUser
	}
	ref := strings.TrimSpace(req.ExternalPaymentRef)
	if ref == "" {
		return paymentdomain.ConfirmPaymentResult{}, paymentdomain.ErrInvalidPaymentRef
	}

	ensured, err := s.idempotency.Ensure(ctx, idempotencydomain.EnsureRequest{
		UserID:    userID,
		Operation: idempotencydomain.OperationConfirmPayment,
		Context:   ref,
		Key:       req.IdempotencyKey,
	})
	if err != nil {
		return paymentdomain.ConfirmPaymentResult{}, err
	}

	if ensured.IsDuplicate {
		var cached paymentdomain.SettledPurchase
		if err := ensured.DecodeResult(&cached); err != nil {
			return paymentdomain.ConfirmPaymentResult{}, fmt.Errorf("decode cached purchase: %w", err)
		}
		if cached.ExternalPaymentRef != "" && cached.ExternalPaymentRef != ref {
			return paymentdomain.ConfirmPaymentResult{}, paymentdomain.ErrPaymentRefMismatch
		}
		s.recordEvent(ctx, adapters.DefaultProvider, "payment.confirm", "duplicate")
		balance := cached.NewBalance
		return paymentdomain.ConfirmPaymentResult{
			Success:            true,
			NewBalance:         &balance,
			Credits:            cached.Credits,
			ExternalPaymentRef: cached.ExternalPaymentRef,
			Duplicate:          true,
		}, nil
	}
	if attached := existingRef(ensured); attached != "" && attached != ref && !ensured.Rearmed {
		return paymentdomain.ConfirmPaymentResult{}, paymentdomain.ErrPaymentRefMismatch
	}

	provider, err := s.registry.Default()
	if err != nil {
		s.fail(ctx, ensured.Key, err)
		return paymentdomain.ConfirmPaymentResult{}, err
	}
	intent, err := provider.GetPaymentIntent(ctx, ref)
	if err != nil {
		s.fail(ctx, ensured.Key, err)
		return paymentdomain.ConfirmPaymentResult{}, err
	}
	return s.settle(ctx, provider, ensured.Key, userID, intent)
}

func (s *Service) SettlePaymentIntent(ctx context.Context, provider paymentdomain.Provider, userID string, intent *paymentdomain.PaymentIntent) (paymentdomain.ConfirmPaymentResult, error) {
	if intent == nil || strings.TrimSpace(intent.ID) == "" {
		return paymentdomain.ConfirmPaymentResult{}, paymentdomain.ErrInvalidPayload
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return paymentdomain.ConfirmPaymentResult{}, paymentdomain.ErrUnresolvedUser
	}
	if err := s.recordPayment(ctx, userID, intent); err != nil {
		return paymentdomain.ConfirmPaymentResult{}, err
	}

	noop := paymentdomain.ConfirmPaymentResult{Reason: ReasonNoOpenPurchase, ExternalPaymentRef: intent.ID}
	key := intent.Metadata.IdempotencyKey
	if key == "" {
		return noop, nil
	}
	record, err := s.idempotency.Get(ctx, key)
	if errors.Is(err, idempotencydomain.ErrRecordNotFound) {
		return noop, nil
	}
	if err != nil {
		return paymentdomain.ConfirmPaymentResult{}, err
	}

	switch {
	case record.UserID != userID:
		s.log.Info("payment intent key owned by another user",
			zap.String("payment_intent_id", intent.ID),
			zap.String("user_id", userID),
		)
		return noop, nil
	case record.Status != idempotencydomain.StatusPending && record.Status != idempotencydomain.StatusProcessing:
		return noop, nil
	case record.ExternalPaymentRef != nil && *record.ExternalPaymentRef != intent.ID:
		s.log.Info("payment intent does not match open purchase",
			zap.String("payment_intent_id", intent.ID),
			zap.String("attached_ref", *record.ExternalPaymentRef),
		)
		return noop, nil
	}
	return s.settle(ctx, provider, key, userID, intent)
}

// settle grants the credits of a verified intent exactly once and completes
// the purchase key. Replays of the same intent reuse the ledger's reference
// dedup and surface as duplicates.
func (s *Service) settle(
	ctx context.Context,
	provider paymentdomain.Provider,
	key string,
	userID string,
	intent *paymentdomain.PaymentIntent,
) (paymentdomain.ConfirmPaymentResult, error) {
	if intent.Status != paymentdomain.PaymentIntentSucceeded {
		if intent.Status == paymentdomain.PaymentIntentCanceled {
			s.fail(ctx, key, errors.New("payment_canceled"))
		}
		s.recordEvent(ctx, provider.Name(), "payment.confirm", "not_paid")
		s.log.Info("payment not settled",
			zap.String("user_id", userID),
			zap.String("payment_intent_id", intent.ID),
			zap.String("status", intent.Status),
		)
		return paymentdomain.ConfirmPaymentResult{
			Reason:             paymentdomain.ReasonPaymentNotPaid,
			PaymentStatus:      intent.Status,
			ExternalPaymentRef: intent.ID,
		}, nil
	}
	if intent.Metadata.UserID != userID {
		s.fail(ctx, key, paymentdomain.ErrPaymentUserMismatch)
		return paymentdomain.ConfirmPaymentResult{}, paymentdomain.ErrPaymentUserMismatch
	}

	credits, packageID, err := s.creditsFor(intent)
	if err != nil {
		s.fail(ctx, key, err)
		return paymentdomain.ConfirmPaymentResult{}, err
	}

	if err := s.idempotency.AttachExternalRef(ctx, key, intent.ID); err != nil && !errors.Is(err, idempotencydomain.ErrRecordCompleted) {
		return paymentdomain.ConfirmPaymentResult{}, err
	}

	credit, err := s.ledgerSvc.Credit(ctx, ledgerdomain.CreditRequest{
		UserID:      userID,
		Amount:      credits,
		Type:        ledgerdomain.TransactionTypePurchase,
		Description: fmt.Sprintf("credit purchase %s", lo.CoalesceOrEmpty(packageID, intent.ID)),
		ExternalRef: intent.ID,
		Provider:    provider.Name(),
		PackageID:   packageID,
	})
	if err != nil {
		s.fail(ctx, key, err)
		return paymentdomain.ConfirmPaymentResult{}, err
	}

	settled := paymentdomain.SettledPurchase{
		NewBalance:         credit.NewBalance,
		Credits:            credits,
		ExternalPaymentRef: intent.ID,
	}
	if _, err := s.idempotency.Complete(ctx, key, settled); err != nil {
		s.log.Warn("complete purchase idempotency failed",
			zap.String("payment_intent_id", intent.ID),
			zap.Error(err),
		)
	}
	if err := s.recordPayment(ctx, userID, intent); err != nil {
		s.log.Warn("record payment audit row failed",
			zap.String("payment_intent_id", intent.ID),
			zap.Error(err),
		)
	}

	outcome := "settled"
	if !credit.Applied {
		outcome = "duplicate"
	}
	s.recordEvent(ctx, provider.Name(), "payment.confirm", outcome)
	s.log.Info("payment settled",
		zap.String("user_id", userID),
		zap.String("payment_intent_id", intent.ID),
		zap.Int64("credits", credits),
		zap.Bool("applied", credit.Applied),
	)

	balance := credit.NewBalance
	return paymentdomain.ConfirmPaymentResult{
		Success:            true,
		NewBalance:         &balance,
		Credits:            credits,
		ExternalPaymentRef: intent.ID,
		Duplicate:          !credit.Applied,
	}, nil
}

// ResolveUser maps a provider customer to a user through the local mapping,
// then the customer's own metadata.
func (s *Service) ResolveUser(ctx context.Context, provider paymentdomain.Provider, customerID string) (string, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return "", nil
	}
	userID, err := s.repo.FindUserByCustomer(ctx, s.db, provider.Name(), customerID)
	if err != nil {
		return "", err
	}
	if userID != "" {
		return userID, nil
	}
	return provider.CustomerUserID(ctx, customerID)
}

// resolveCustomer reads the persisted mapping, then the in-process cache, and
// creates the provider customer only when both miss.
func (s *Service) resolveCustomer(ctx context.Context, provider paymentdomain.Provider, userID string) (string, error) {
	name := provider.Name()
	customerID, err := s.repo.FindCustomer(ctx, s.db, name, userID)
	if err != nil {
		return "", err
	}
	if customerID != "" {
		s.customers.Set(name, userID, customerID)
		return customerID, nil
	}

	if cached, ok := s.customers.Get(name, userID); ok {
		customerID = cached
	} else {
		customerID, err = provider.CreateCustomer(ctx, userID)
		if err != nil {
			return "", err
		}
	}

	stored, err := s.repo.SaveCustomer(ctx, s.db, &paymentdomain.CustomerMapping{
		Provider:           name,
		UserID:             userID,
		ExternalCustomerID: customerID,
		CreatedAt:          s.clock.Now(),
	})
	if err != nil {
		s.log.Warn("persist customer mapping failed", zap.String("user_id", userID), zap.Error(err))
	} else if stored != "" {
		customerID = stored
	}
	s.customers.Set(name, userID, customerID)
	return customerID, nil
}

func (s *Service) resolvePackage(packageID string, amount int64, currency string) (config.CreditPackage, int64, error) {
	catalog := s.catalog.Get()
	packageID = strings.TrimSpace(packageID)
	currency = strings.ToLower(strings.TrimSpace(currency))

	if packageID != "" {
		pkg, ok := catalog.PackageByID(packageID)
		if !ok {
			return config.CreditPackage{}, 0, paymentdomain.ErrUnknownPackage
		}
		minor, err := pkg.AmountMinor()
		if err != nil {
			return config.CreditPackage{}, 0, fmt.Errorf("%w: %v", paymentdomain.ErrUnknownPackage, err)
		}
		if amount > 0 && amount != minor {
			return config.CreditPackage{}, 0, paymentdomain.ErrInvalidAmount
		}
		if currency != "" && !strings.EqualFold(currency, pkg.Currency) {
			return config.CreditPackage{}, 0, paymentdomain.ErrInvalidCurrency
		}
		return pkg, minor, nil
	}

	if amount <= 0 {
		return config.CreditPackage{}, 0, paymentdomain.ErrInvalidAmount
	}
	if currency == "" {
		return config.CreditPackage{}, 0, paymentdomain.ErrInvalidCurrency
	}
	pkg, ok := catalog.PackageByAmount(amount, currency)
	if !ok {
		return config.CreditPackage{}, 0, paymentdomain.ErrUnknownPackage
	}
	return pkg, amount, nil
}

// creditsFor derives the grant from the verified intent, never from the caller.
func (s *Service) creditsFor(intent *paymentdomain.PaymentIntent) (int64, string, error) {
	if intent.Metadata.Credits > 0 {
		return intent.Metadata.Credits, intent.Metadata.PackageID, nil
	}
	received := intent.AmountReceived
	if received <= 0 {
		received = intent.Amount
	}
	pkg, ok := s.catalog.Get().PackageByAmount(received, intent.Currency)
	if !ok {
		return 0, "", paymentdomain.ErrUnknownPackage
	}
	return pkg.Credits, pkg.ID, nil
}

func (s *Service) recordPayment(ctx context.Context, userID string, intent *paymentdomain.PaymentIntent) error {
	amount := intent.AmountReceived
	if amount <= 0 {
		amount = intent.Amount
	}
	_, err := s.repo.InsertPaymentRecord(ctx, s.db, &paymentdomain.PaymentRecord{
		ID:                 s.genID.Generate(),
		UserID:             userID,
		ExternalPaymentRef: intent.ID,
		Amount:             amount,
		Currency:           intent.Currency,
		Status:             intent.Status,
		PaymentMethod:      intent.PaymentMethod,
		CreatedAt:          s.clock.Now(),
	})
	return err
}

func (s *Service) fail(ctx context.Context, key string, cause error) {
	if key == "" || cause == nil {
		return
	}
	if _, err := s.idempotency.Fail(ctx, key, cause.Error()); err != nil {
		s.log.Warn("mark payment idempotency failed", zap.Error(err))
	}
}

func (s *Service) recordEvent(ctx context.Context, provider, eventType, outcome string) {
	if s.obsMetrics == nil {
		return
	}
	s.obsMetrics.RecordPaymentEvent(ctx, provider, eventType, outcome)
}

func existingRef(ensured idempotencydomain.EnsureResult) string {
	if ensured.Record == nil || ensured.Record.ExternalPaymentRef == nil {
		return ""
	}
	return *ensured.Record.ExternalPaymentRef
}

// providerKey forwards the purchase key to the provider. A re-armed key that
// already produced an object gets a distinct provider key so the provider
// does not replay the failed object.
func providerKey(ensured idempotencydomain.EnsureResult) string {
	if ensured.Rearmed {
		if ref := existingRef(ensured); ref != "" {
			return ensured.Key + "_" + ref
		}
	}
	return ensured.Key
}
