package handler

import (
	"context"
	"encoding/json"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/rl1809/collectible-market/internal/core/domain"
	"github.com/rl1809/collectible-market/internal/core/service"
	"github.com/rl1809/collectible-market/internal/port"
)

// CodecName is the content subtype the reservation service speaks.
const CodecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return CodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type ReserveRequest struct {
	ItemID   int64  `json:"item_id"`
	Rail     string `json:"rail"`
	Currency string `json:"currency"`
}

type ConfirmRequest struct {
	AttemptID int64  `json:"attempt_id,omitempty"`
	Reference string `json:"reference,omitempty"`
	Outcome   string `json:"outcome"`
	Notes     string `json:"notes,omitempty"`
}

type AttemptRequest struct {
	Reference string `json:"reference"`
}

type AttemptReply struct {
	AttemptID   int64  `json:"attempt_id"`
	Reference   string `json:"reference"`
	ItemID      int64  `json:"item_id"`
	Rail        string `json:"rail"`
	Amount      string `json:"amount"`
	Currency    string `json:"currency"`
	Status      string `json:"status"`
	Created     bool   `json:"created,omitempty"`
	Applied     bool   `json:"applied,omitempty"`
	PayURI      string `json:"pay_uri,omitempty"`
	CheckoutURL string `json:"checkout_url,omitempty"`
	CreatedAt   string `json:"created_at"`
}

func newAttemptReply(a domain.Attempt) *AttemptReply {
	reply := &AttemptReply{
		AttemptID: a.ID,
		Reference: a.Reference,
		ItemID:    a.ItemID,
		Rail:      string(a.Rail),
		Amount:    domain.FormatAmount(a.Amount),
		Currency:  string(a.Currency),
		Status:    string(a.Status),
		CreatedAt: a.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if a.CheckoutURL != nil {
		reply.CheckoutURL = *a.CheckoutURL
	}
	return reply
}

func purchaseReply(res service.PurchaseResult) *AttemptReply {
	reply := newAttemptReply(res.Attempt)
	reply.Created = res.Created
	reply.PayURI = res.PayURI
	if res.CheckoutURL != "" {
		reply.CheckoutURL = res.CheckoutURL
	}
	return reply
}

// ReservationServer is the server API of marketplace.v1.ReservationService.
type ReservationServer interface {
	Reserve(context.Context, *ReserveRequest) (*AttemptReply, error)
	Confirm(context.Context, *ConfirmRequest) (*AttemptReply, error)
	Cancel(context.Context, *AttemptRequest) (*AttemptReply, error)
	GetAttempt(context.Context, *AttemptRequest) (*AttemptReply, error)
}

func RegisterReservationServer(s grpc.ServiceRegistrar, srv ReservationServer) {
	s.RegisterService(&reservationServiceDesc, srv)
}

func unaryHandler[Req any](method string, call func(ReservationServer, context.Context, *Req) (*AttemptReply, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ReservationServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: "/marketplace.v1.ReservationService/" + method,
			}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(ReservationServer), ctx, req.(*Req))
			})
		},
	}
}

var reservationServiceDesc = grpc.ServiceDesc{
	ServiceName: "marketplace.v1.ReservationService",
	HandlerType: (*ReservationServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler("Reserve", ReservationServer.Reserve),
		unaryHandler("Confirm", ReservationServer.Confirm),
		unaryHandler("Cancel", ReservationServer.Cancel),
		unaryHandler("GetAttempt", ReservationServer.GetAttempt),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "marketplace/v1/reservation.proto",
}

var _ ReservationServer = (*GRPCHandler)(nil)

type GRPCHandler struct {
	checkout *service.CheckoutService
	admin    *service.AdminService
	auth     port.Authenticator
}

func NewGRPCHandler(checkout *service.CheckoutService, admin *service.AdminService, auth port.Authenticator) *GRPCHandler {
	return &GRPCHandler{checkout: checkout, admin: admin, auth: auth}
}

func (h *GRPCHandler) caller(ctx context.Context) (domain.Principal, error) {
	var bearer string
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get("authorization"); len(v) > 0 {
			bearer = v[0]
		}
	}
	p, err := h.auth.Authenticate(ctx, bearer)
	if err != nil {
		return domain.Principal{}, grpcError(err)
	}
	return p, nil
}

func (h *GRPCHandler) Reserve(ctx context.Context, req *ReserveRequest) (*AttemptReply, error) {
	p, err := h.caller(ctx)
	if err != nil {
		return nil, err
	}
	rail := domain.Rail(req.Rail)
	currency := domain.Currency(req.Currency)
	if currency == "" {
		currency = defaultCurrency(rail)
	}
	res, err := h.checkout.Purchase(ctx, p, service.PurchaseInput{ItemID: req.ItemID, Rail: rail, Currency: currency})
	if err != nil {
		return nil, grpcError(err)
	}
	return purchaseReply(res), nil
}

// Confirm is the operator path for bank transfers.
func (h *GRPCHandler) Confirm(ctx context.Context, req *ConfirmRequest) (*AttemptReply, error) {
	p, err := h.caller(ctx)
	if err != nil {
		return nil, err
	}
	if !p.Admin {
		return nil, grpcError(domain.ErrForbidden)
	}

	id := req.AttemptID
	if id <= 0 {
		if req.Reference == "" {
			return nil, status.Error(codes.InvalidArgument, "attempt_id or reference is required")
		}
		found, err := h.checkout.Attempt(ctx, p, req.Reference)
		if err != nil {
			return nil, grpcError(err)
		}
		id = found.Attempt.ID
	}

	var res service.ConfirmResult
	switch domain.Outcome(req.Outcome) {
	case domain.OutcomePaid:
		res, err = h.admin.Verify(ctx, p, id, req.Notes)
	case domain.OutcomeFailed:
		res, err = h.admin.Reject(ctx, p, id, req.Notes)
	default:
		err = domain.ErrInvalidOutcome
	}
	if err != nil {
		return nil, grpcError(err)
	}
	reply := newAttemptReply(res.Attempt)
	reply.Applied = res.Applied
	return reply, nil
}

func (h *GRPCHandler) Cancel(ctx context.Context, req *AttemptRequest) (*AttemptReply, error) {
	p, err := h.caller(ctx)
	if err != nil {
		return nil, err
	}
	res, err := h.checkout.Cancel(ctx, p, req.Reference)
	if err != nil {
		return nil, grpcError(err)
	}
	return purchaseReply(res), nil
}

func (h *GRPCHandler) GetAttempt(ctx context.Context, req *AttemptRequest) (*AttemptReply, error) {
	p, err := h.caller(ctx)
	if err != nil {
		return nil, err
	}
	res, err := h.checkout.Attempt(ctx, p, req.Reference)
	if err != nil {
		return nil, grpcError(err)
	}
	return purchaseReply(res), nil
}

func grpcError(err error) error {
	kind := domain.KindOf(err)
	msg := err.Error()
	if kind == domain.KindInternal {
		msg = "internal error"
	}
	return status.Error(grpcCode(kind), msg)
}

func grpcCode(k domain.ErrorKind) codes.Code {
	switch k {
	case domain.KindNotFound:
		return codes.NotFound
	case domain.KindConflict:
		return codes.Aborted
	case domain.KindInvalidState:
		return codes.FailedPrecondition
	case domain.KindStoreUnavailable, domain.KindUpstream:
		return codes.Unavailable
	case domain.KindInvalid:
		return codes.InvalidArgument
	case domain.KindUnauthorized:
		return codes.Unauthenticated
	case domain.KindForbidden:
		return codes.PermissionDenied
	case domain.KindRateLimited:
		return codes.ResourceExhausted
	default:
		return codes.Internal
	}
}

// ReservationClient calls marketplace.v1.ReservationService over the JSON
// codec. The bearer token is sent with every call.
type ReservationClient struct {
	cc     grpc.ClientConnInterface
	bearer string
}

func NewReservationClient(cc grpc.ClientConnInterface, bearer string) *ReservationClient {
	return &ReservationClient{cc: cc, bearer: bearer}
}

func (c *ReservationClient) invoke(ctx context.Context, method string, in any) (*AttemptReply, error) {
	if c.bearer != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+c.bearer)
	}
	out := new(AttemptReply)
	err := c.cc.Invoke(ctx, "/marketplace.v1.ReservationService/"+method, in, out, grpc.CallContentSubtype(CodecName))
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ReservationClient) Reserve(ctx context.Context, in *ReserveRequest) (*AttemptReply, error) {
	return c.invoke(ctx, "Reserve", in)
}

func (c *ReservationClient) Confirm(ctx context.Context, in *ConfirmRequest) (*AttemptReply, error) {
	return c.invoke(ctx, "Confirm", in)
}

func (c *ReservationClient) Cancel(ctx context.Context, in *AttemptRequest) (*AttemptReply, error) {
	return c.invoke(ctx, "Cancel", in)
}

func (c *ReservationClient) GetAttempt(ctx context.Context, in *AttemptRequest) (*AttemptReply, error) {
	return c.invoke(ctx, "GetAttempt", in)
}
